package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-dht/meridian/internal/chord"
	"github.com/meridian-dht/meridian/internal/config"
	"github.com/meridian-dht/meridian/pkg/logging"
)

// newTestNode builds and creates a single-node ring on port for use by a
// test-local gRPC server.
func newTestNode(t *testing.T, port int) *chord.ChordNode {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Port = port
	cfg.M = 32 // small identifier space keeps test fixtures readable

	logger, err := logging.New(logging.DefaultConfig())
	require.NoError(t, err)

	node, err := chord.NewChordNode(cfg, logger)
	require.NoError(t, err)

	require.NoError(t, node.Create())
	t.Cleanup(func() { _ = node.Shutdown() })
	return node
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.DefaultConfig())
	require.NoError(t, err)
	return logger
}

const testRPCTimeout = 5 * time.Second
