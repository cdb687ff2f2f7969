package constants

import "time"

// Shared duration vocabulary used by timeouts, polling and retry checks.
// Keep these centralized to simplify system-wide timing tuning.
const (
	Duration50Milliseconds  = 50 * time.Millisecond
	Duration100Milliseconds = 100 * time.Millisecond
	Duration250Milliseconds = 250 * time.Millisecond
	Duration500Milliseconds = 500 * time.Millisecond

	Duration1Second   = 1 * time.Second
	Duration2Seconds  = 2 * time.Second
	Duration3Seconds  = 3 * time.Second
	Duration5Seconds  = 5 * time.Second
	Duration10Seconds = 10 * time.Second
	Duration15Seconds = 15 * time.Second
	Duration30Seconds = 30 * time.Second
	Duration60Seconds = 60 * time.Second
)

// Bridge reconnect policy defaults.
const (
	ReconnectBaseDelay   = Duration1Second
	ReconnectMaxDelay    = Duration30Seconds
	ReconnectJitter      = Duration1Second
	ReconnectMaxAttempts = 10

	// ConfigRetryDelay is fixed: a missing identity field is an
	// environment problem, not transport flakiness.
	ConfigRetryDelay = Duration5Seconds
)

// Bridge liveness and request defaults.
const (
	KeepaliveInterval     = Duration15Seconds
	HostRequestTimeout    = Duration30Seconds
	ActuatorReplyTimeout  = Duration10Seconds
	StoreWriteTimeout     = Duration2Seconds
	GracefulShutdownLimit = Duration5Seconds
)

// Discovery defaults.
const (
	DiscoveryPollInterval  = Duration1Second
	DiscoveryMaxAttempts   = 60
	StoreWatchInterval     = Duration500Milliseconds
	StoreWatchMinInterval  = Duration100Milliseconds
	ControlRequestTimeout  = Duration3Seconds
	ControlShutdownTimeout = Duration5Seconds
)
