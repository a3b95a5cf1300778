package transport

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-dht/meridian/internal/chord"
)

func TestNewGRPCClient(t *testing.T) {
	client := NewGRPCClient(testLogger(t), "", testRPCTimeout)

	assert.NotNil(t, client)
	assert.Equal(t, testRPCTimeout, client.timeout)
	assert.Empty(t, client.connections)
}

func TestNewGRPCClient_NilLogger(t *testing.T) {
	client := NewGRPCClient(nil, "", testRPCTimeout)
	assert.NotNil(t, client)
	assert.NotNil(t, client.logger)
}

func startTestServer(t *testing.T, node *chord.ChordNode, addr string) *GRPCServer {
	t.Helper()
	server, err := NewGRPCServer(node, addr, "", testLogger(t))
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	time.Sleep(100 * time.Millisecond)
	return server
}

func TestGRPCClient_FindSuccessor(t *testing.T) {
	node := newTestNode(t, 9300)
	startTestServer(t, node, "127.0.0.1:9400")

	client := NewGRPCClient(testLogger(t), "", testRPCTimeout)
	defer client.Close()

	successor, err := client.FindSuccessor(context.Background(), "127.0.0.1:9400", big.NewInt(100))
	require.NoError(t, err)
	require.NotNil(t, successor)
	assert.Equal(t, node.ID(), successor.ID)
}

func TestGRPCClient_FindSuccessor_InvalidAddress(t *testing.T) {
	client := NewGRPCClient(testLogger(t), "", 1*time.Second)
	defer client.Close()

	_, err := client.FindSuccessor(context.Background(), "127.0.0.1:19999", big.NewInt(100))
	assert.Error(t, err)
}

func TestGRPCClient_NotifyAndGetPredecessor(t *testing.T) {
	node := newTestNode(t, 9301)
	startTestServer(t, node, "127.0.0.1:9401")

	client := NewGRPCClient(testLogger(t), "", testRPCTimeout)
	defer client.Close()

	pred, err := client.GetPredecessor(context.Background(), "127.0.0.1:9401")
	require.NoError(t, err)
	assert.Nil(t, pred)

	predAddr := chord.NewNodeAddress(big.NewInt(50), "127.0.0.1", 9302)
	require.NoError(t, client.Notify(context.Background(), "127.0.0.1:9401", predAddr))

	pred, err = client.GetPredecessor(context.Background(), "127.0.0.1:9401")
	require.NoError(t, err)
	require.NotNil(t, pred)
	assert.Equal(t, 0, big.NewInt(50).Cmp(pred.ID))
}

func TestGRPCClient_GetSuccessorList(t *testing.T) {
	node := newTestNode(t, 9303)
	startTestServer(t, node, "127.0.0.1:9403")

	client := NewGRPCClient(testLogger(t), "", testRPCTimeout)
	defer client.Close()

	successors, err := client.GetSuccessorList(context.Background(), "127.0.0.1:9403")
	require.NoError(t, err)
	require.Len(t, successors, 1)
	assert.Equal(t, node.ID(), successors[0].ID)
}

func TestGRPCClient_Ping(t *testing.T) {
	node := newTestNode(t, 9304)
	startTestServer(t, node, "127.0.0.1:9404")

	client := NewGRPCClient(testLogger(t), "", testRPCTimeout)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background(), "127.0.0.1:9404"))
}

func TestGRPCClient_SetGetDelete(t *testing.T) {
	node := newTestNode(t, 9305)
	startTestServer(t, node, "127.0.0.1:9405")

	client := NewGRPCClient(testLogger(t), "", testRPCTimeout)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "127.0.0.1:9405", "k1", []byte("v1"), 0))

	value, found, err := client.Get(ctx, "127.0.0.1:9405", "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, client.Delete(ctx, "127.0.0.1:9405", "k1"))
	_, found, err = client.Get(ctx, "127.0.0.1:9405", "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGRPCClient_ConnectionPooling(t *testing.T) {
	node := newTestNode(t, 9306)
	startTestServer(t, node, "127.0.0.1:9406")

	client := NewGRPCClient(testLogger(t), "", testRPCTimeout)
	defer client.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Ping(context.Background(), "127.0.0.1:9406"))
	}

	client.connMu.RLock()
	assert.Len(t, client.connections, 1)
	client.connMu.RUnlock()
}

func TestGRPCClient_AuthRejectsMismatchedToken(t *testing.T) {
	node := newTestNode(t, 9307)
	server, err := NewGRPCServer(node, "127.0.0.1:9407", "secret-token", testLogger(t))
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	time.Sleep(100 * time.Millisecond)

	client := NewGRPCClient(testLogger(t), "wrong-token", testRPCTimeout)
	defer client.Close()

	err = client.Ping(context.Background(), "127.0.0.1:9407")
	assert.Error(t, err)
}

func TestGRPCClient_Close(t *testing.T) {
	node1 := newTestNode(t, 9308)
	node2 := newTestNode(t, 9309)
	startTestServer(t, node1, "127.0.0.1:9408")
	startTestServer(t, node2, "127.0.0.1:9409")

	client := NewGRPCClient(testLogger(t), "", testRPCTimeout)

	require.NoError(t, client.Ping(context.Background(), "127.0.0.1:9408"))
	require.NoError(t, client.Ping(context.Background(), "127.0.0.1:9409"))

	client.connMu.RLock()
	assert.Len(t, client.connections, 2)
	client.connMu.RUnlock()

	require.NoError(t, client.Close())

	client.connMu.RLock()
	assert.Empty(t, client.connections)
	client.connMu.RUnlock()
}
