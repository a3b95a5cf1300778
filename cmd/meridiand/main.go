// Command meridiand runs a single Chord DHT node: gRPC server for
// node-to-node routing, gRPC client for outbound calls, and the HTTP
// admin surface for key/value access and ring introspection.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/meridian-dht/meridian/internal/admin"
	"github.com/meridian-dht/meridian/internal/chord"
	"github.com/meridian-dht/meridian/internal/config"
	"github.com/meridian-dht/meridian/internal/transport"
	"github.com/meridian-dht/meridian/pkg/logging"
)

func main() {
	host := flag.String("host", "127.0.0.1", "host address to bind to")
	port := flag.Int("port", 8440, "port for the Chord gRPC server")
	httpPort := flag.Int("http-port", 8080, "port for the HTTP admin server")
	bootstrap := flag.String("bootstrap", "", "bootstrap node address (host:port) to join through")
	authToken := flag.String("auth-token", "", "shared token required on node-to-node RPCs, empty disables auth")
	m := flag.Int("m", 160, "identifier space width in bits")
	successorListSize := flag.Int("successor-list-size", 3, "number of successors each node tracks")
	stabilizeInterval := flag.Duration("stabilize-interval", time.Second, "interval between stabilize runs")
	fixFingersInterval := flag.Duration("fix-fingers-interval", 3*time.Second, "interval between fix_fingers runs")
	checkPredecessorInterval := flag.Duration("check-predecessor-interval", 2*time.Second, "interval between check_predecessor runs")
	rpcTimeout := flag.Duration("rpc-timeout", 5*time.Second, "per-call RPC deadline")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "log format (json, console)")
	flag.Parse()

	cfg := &config.Config{
		Host:                     *host,
		Port:                     *port,
		HTTPPort:                 *httpPort,
		Bootstrap:                *bootstrap,
		AuthToken:                *authToken,
		M:                        *m,
		SuccessorListSize:        *successorListSize,
		StabilizeInterval:        *stabilizeInterval,
		FixFingersInterval:       *fixFingersInterval,
		CheckPredecessorInterval: *checkPredecessorInterval,
		RPCTimeout:               *rpcTimeout,
		LogLevel:                 *logLevel,
		LogFormat:                *logFormat,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logging.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat

	logger, err := logging.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Msg("starting meridian node")

	node, err := chord.NewChordNode(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create chord node")
		os.Exit(1)
	}

	grpcServer, err := transport.NewGRPCServer(node, cfg.Endpoint(), cfg.AuthToken, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create gRPC server")
		os.Exit(1)
	}
	if err := grpcServer.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start gRPC server")
		os.Exit(1)
	}
	logger.Info().Str("address", cfg.Endpoint()).Msg("gRPC server started")

	grpcClient := transport.NewGRPCClient(logger, cfg.AuthToken, cfg.RPCTimeout)
	node.SetRemote(grpcClient)

	adminServer, err := admin.NewServer(node, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create admin HTTP server")
		cleanup(node, grpcServer, grpcClient, nil, logger)
		os.Exit(1)
	}
	if err := adminServer.Start(cfg.HTTPPort); err != nil {
		logger.Error().Err(err).Msg("failed to start admin HTTP server")
		cleanup(node, grpcServer, grpcClient, nil, logger)
		os.Exit(1)
	}
	logger.Info().Int("port", cfg.HTTPPort).Msg("admin HTTP server started")

	if cfg.Bootstrap == "" {
		logger.Info().Msg("creating new ring")
		if err := node.Create(); err != nil {
			logger.Error().Err(err).Msg("failed to create ring")
			cleanup(node, grpcServer, grpcClient, adminServer, logger)
			os.Exit(1)
		}
	} else {
		logger.Info().Str("bootstrap", cfg.Bootstrap).Msg("joining existing ring")
		bootstrapHost, bootstrapPortStr, err := net.SplitHostPort(cfg.Bootstrap)
		if err != nil {
			logger.Error().Err(err).Msg("invalid bootstrap address")
			cleanup(node, grpcServer, grpcClient, adminServer, logger)
			os.Exit(1)
		}
		bootstrapPort, err := strconv.Atoi(bootstrapPortStr)
		if err != nil {
			logger.Error().Err(err).Msg("invalid bootstrap port")
			cleanup(node, grpcServer, grpcClient, adminServer, logger)
			os.Exit(1)
		}
		bootstrapAddr := chord.NewNodeAddress(nil, bootstrapHost, bootstrapPort)

		joinCtx, joinCancel := context.WithTimeout(context.Background(), cfg.RPCTimeout*3)
		defer joinCancel()
		if err := node.Join(joinCtx, bootstrapAddr); err != nil {
			logger.Error().Err(err).Msg("failed to join ring")
			cleanup(node, grpcServer, grpcClient, adminServer, logger)
			os.Exit(1)
		}
	}

	logger.Info().Str("node_id", node.ID().Text(16)).Msg("meridian node is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cleanup(node, grpcServer, grpcClient, adminServer, logger)
	logger.Info().Msg("meridian node shutdown complete")
}

func cleanup(node *chord.ChordNode, grpcServer *transport.GRPCServer, grpcClient *transport.GRPCClient, adminServer *admin.Server, logger *logging.Logger) {
	logger.Info().Msg("starting graceful shutdown")

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("error stopping admin HTTP server")
		}
	}
	if err := grpcServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("error stopping gRPC server")
	}
	if err := node.Leave(context.Background()); err != nil {
		logger.Error().Err(err).Msg("error leaving ring")
	}
	if err := grpcClient.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing gRPC client")
	}
}
