package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-dht/meridian/pkg/logging"
)

func newTestHub(t *testing.T) *WebSocketHub {
	t.Helper()
	logger, err := logging.New(logging.DefaultConfig())
	require.NoError(t, err)

	hub := NewWebSocketHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func TestWebSocketHub_BroadcastToClient(t *testing.T) {
	hub := newTestHub(t)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.BroadcastRingUpdate(map[string]string{"type": "test"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "test")
}

func TestWebSocketHub_BroadcastWithNoClients(t *testing.T) {
	hub := newTestHub(t)
	assert.NoError(t, hub.BroadcastRingUpdate(map[string]string{"type": "noop"}))
}
