// Package config holds the settings shared by the relay commands.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by LoadEnv.
const (
	EnvPort       = "RELAY_PORT"
	EnvAddr       = "RELAY_ADDR"
	EnvName       = "RELAY_NAME"
	EnvTick       = "RELAY_TICK"
	EnvLogLevel   = "RELAY_LOG_LEVEL"
	EnvLogFile    = "RELAY_LOG_FILE"
	EnvBridgeAddr = "RELAY_BRIDGE_ADDR"
	EnvBridgePath = "RELAY_BRIDGE_PATH"
)

// Config is the runtime configuration of the relay commands.
type Config struct {
	// Port is the TCP port the relay server listens on.
	Port uint16
	// Addr is the relay server address clients and the bridge connect to.
	Addr string
	// Name identifies a client in logs. Empty means generated.
	Name string
	// Tick bounds how long one event loop iteration waits for readiness.
	Tick time.Duration

	LogLevel string
	LogFile  string

	// BridgeAddr is the HTTP listen address of the WebSocket bridge.
	BridgeAddr string
	// BridgePath is the HTTP path upgraded to WebSocket.
	BridgePath string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:       8080,
		Addr:       "localhost:8080",
		Tick:       100 * time.Millisecond,
		LogLevel:   "info",
		BridgeAddr: ":8081",
		BridgePath: "/ws",
	}
}

// LoadEnv overrides fields of c with the RELAY_* environment variables that
// are set.
func (c *Config) LoadEnv() error {
	return c.loadEnv(os.LookupEnv)
}

func (c *Config) loadEnv(lookup func(string) (string, bool)) error {
	var errs []error

	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.ParseUint(strings.TrimSpace(v), 10, 16)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvPort, err))
		} else {
			c.Port = uint16(port)
		}
	}
	if v, ok := lookup(EnvTick); ok {
		tick, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvTick, err))
		} else {
			c.Tick = tick
		}
	}
	for _, s := range []struct {
		env string
		dst *string
	}{
		{EnvAddr, &c.Addr},
		{EnvName, &c.Name},
		{EnvLogLevel, &c.LogLevel},
		{EnvLogFile, &c.LogFile},
		{EnvBridgeAddr, &c.BridgeAddr},
		{EnvBridgePath, &c.BridgePath},
	} {
		if v, ok := lookup(s.env); ok {
			*s.dst = v
		}
	}

	return errors.Join(errs...)
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error

	if c.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %s", c.Tick))
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		errs = append(errs, fmt.Errorf("invalid relay address %q: %w", c.Addr, err))
	}
	if _, _, err := net.SplitHostPort(c.BridgeAddr); err != nil {
		errs = append(errs, fmt.Errorf("invalid bridge address %q: %w", c.BridgeAddr, err))
	}
	if !strings.HasPrefix(c.BridgePath, "/") {
		errs = append(errs, fmt.Errorf("bridge path must start with /, got %q", c.BridgePath))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "none", "off":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}
