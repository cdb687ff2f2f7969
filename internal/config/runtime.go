package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bloom-nucleus/synapse/internal/constants"
)

// Transport names accepted by Runtime.Transport.
const (
	TransportProcess = "process"
	TransportTCP     = "tcp"
)

// Runtime holds the mutable-at-startup knobs of the bridge daemon. Unlike
// BridgeConfig these come from flags and defaults, not the identity file.
type Runtime struct {
	Instance string

	Transport   string   // "process" (stdio native messaging) or "tcp"
	HostPath    string   // native host executable for the process transport
	HostArgs    []string // extra arguments passed to the native host
	HostAddress string   // host address for the tcp transport

	ControlAddress string // HTTP control surface; empty disables
	HealthAddress  string // gRPC health endpoint; empty disables

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	ConfigRetryDelay  time.Duration
	KeepaliveInterval time.Duration // 0 disables outbound keepalives

	// ShutdownTimeout bounds how long each daemon component may take to stop.
	ShutdownTimeout time.Duration

	Verbose bool
}

// DefaultRuntime returns the runtime settings used when no flag overrides them.
func DefaultRuntime() Runtime {
	return Runtime{
		Instance:          DefaultInstance,
		Transport:         TransportProcess,
		HostAddress:       constants.DefaultHostAddress,
		ControlAddress:    constants.DefaultControlAddress,
		HealthAddress:     constants.DefaultHealthAddress,
		BaseDelay:         constants.ReconnectBaseDelay,
		MaxDelay:          constants.ReconnectMaxDelay,
		MaxAttempts:       constants.ReconnectMaxAttempts,
		ConfigRetryDelay:  constants.ConfigRetryDelay,
		KeepaliveInterval: constants.KeepaliveInterval,
		ShutdownTimeout:   constants.GracefulShutdownLimit,
	}
}

// Validate rejects settings the daemon cannot start with.
func (r Runtime) Validate() error {
	switch strings.TrimSpace(r.Transport) {
	case TransportProcess:
		if strings.TrimSpace(r.HostPath) == "" {
			return fmt.Errorf("runtime: process transport requires a host path")
		}
	case TransportTCP:
		if strings.TrimSpace(r.HostAddress) == "" {
			return fmt.Errorf("runtime: tcp transport requires a host address")
		}
	default:
		return fmt.Errorf("runtime: unsupported transport %q", r.Transport)
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("runtime: invalid reconnect delays base=%s max=%s", r.BaseDelay, r.MaxDelay)
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("runtime: max attempts must be positive, got %d", r.MaxAttempts)
	}
	if r.KeepaliveInterval < 0 {
		return fmt.Errorf("runtime: keepalive interval must not be negative")
	}
	if r.ShutdownTimeout < 0 {
		return fmt.Errorf("runtime: shutdown timeout must not be negative")
	}
	return nil
}
