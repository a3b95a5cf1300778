package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-dht/meridian/internal/chord"
	"github.com/meridian-dht/meridian/internal/rpc"
)

func TestGRPCServer_StartStop(t *testing.T) {
	node := newTestNode(t, 9500)
	server, err := NewGRPCServer(node, "127.0.0.1:9600", "", testLogger(t))
	require.NoError(t, err)

	require.NoError(t, server.Start())
	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, server.Stop())
}

func TestGRPCServer_NilNode(t *testing.T) {
	_, err := NewGRPCServer(nil, "127.0.0.1:9601", "", testLogger(t))
	assert.Error(t, err)
}

func TestGRPCServer_GetNodeInfo(t *testing.T) {
	node := newTestNode(t, 9501)
	server, err := NewGRPCServer(node, "127.0.0.1:9602", "", testLogger(t))
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	resp, err := server.GetNodeInfo(context.Background(), &rpc.GetNodeInfoRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp.Node)
	assert.Equal(t, node.ID().Bytes(), resp.Node.ID)
	assert.Nil(t, resp.Predecessor)
	assert.Len(t, resp.SuccessorList, 1)
}

func TestGRPCServer_NotifyLeaving(t *testing.T) {
	node := newTestNode(t, 9502)
	server, err := NewGRPCServer(node, "127.0.0.1:9603", "", testLogger(t))
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	replacement := chord.NewNodeAddress(node.ID(), "127.0.0.1", 9999)
	_, err = server.NotifyLeaving(context.Background(), &rpc.NotifyLeavingRequest{
		Replacement: nodeAddressToWire(replacement),
	})
	require.NoError(t, err)
}

func TestGRPCServer_GetFingerTable(t *testing.T) {
	node := newTestNode(t, 9503)
	server, err := NewGRPCServer(node, "127.0.0.1:9604", "", testLogger(t))
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	resp, err := server.GetFingerTable(context.Background(), &rpc.GetFingerTableRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Entries)
	for i := 1; i < len(resp.Entries); i++ {
		assert.LessOrEqual(t, resp.Entries[i-1].Index, resp.Entries[i].Index)
	}
}
