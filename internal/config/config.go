// Package config holds node configuration: Chord protocol parameters,
// network endpoints, and the ambient logging/auth knobs that surround
// them.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for a Chord node.
type Config struct {
	// Node identification / endpoint
	Host string
	Port int

	// HTTP admin API
	HTTPPort int

	// Bootstrap node address to join through. Empty means create a new
	// ring instead of joining one.
	Bootstrap string

	// AuthToken, if set, is required in the x-auth-token metadata of
	// every node-to-node RPC.
	AuthToken string

	// Chord protocol parameters
	M                     int           // identifier space width in bits
	SuccessorListSize     int           // r: number of successors tracked
	StabilizeInterval     time.Duration // T_stab
	FixFingersInterval    time.Duration // T_fix
	CheckPredecessorInterval time.Duration // T_cp
	RPCTimeout            time.Duration // per-call RPC deadline

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
}

// DefaultConfig returns a sensible single-node default configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:                     "127.0.0.1",
		Port:                     8440,
		HTTPPort:                 8080,
		Bootstrap:                "",
		AuthToken:                "",
		M:                        160,
		SuccessorListSize:        3,
		StabilizeInterval:        1 * time.Second,
		FixFingersInterval:       3 * time.Second,
		CheckPredecessorInterval: 2 * time.Second,
		RPCTimeout:               5 * time.Second,
		LogLevel:                 "info",
		LogFormat:                "console",
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.M <= 0 || c.M > 256 {
		return fmt.Errorf("M must be between 1 and 256, got %d", c.M)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.SuccessorListSize < 1 {
		return fmt.Errorf("successor list size must be at least 1, got %d", c.SuccessorListSize)
	}
	if c.StabilizeInterval <= 0 || c.FixFingersInterval <= 0 || c.CheckPredecessorInterval <= 0 {
		return fmt.Errorf("all periodic task intervals must be positive")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	return nil
}

// Endpoint returns the node's own host:port address.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
