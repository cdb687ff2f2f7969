package bridge

import (
	"errors"
	"fmt"

	"github.com/bloom-nucleus/synapse/internal/protocol"
)

var (
	// ErrNotConnected is returned when a send is attempted while the
	// channel is not CONNECTED. Callers on the host path swallow it.
	ErrNotConnected = errors.New("bridge not connected")

	// ErrExhaustedRetries marks the terminal FAILED state.
	ErrExhaustedRetries = errors.New("bridge: reconnect attempts exhausted")

	// ErrConnectionLost is wrapped into the ConnectError that rejects
	// pending requests when their channel goes away.
	ErrConnectionLost = errors.New("bridge: connection lost")

	// ErrStopped is returned by calls made after the manager stopped.
	ErrStopped = errors.New("bridge: manager stopped")
)

// ConnectError reports a failed channel open or a lost channel.
type ConnectError struct {
	Attempt int
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("bridge: connect (attempt %d): %v", e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unrecognised inbound message. It is
// never fatal to the channel.
type ProtocolError struct {
	Kind   protocol.Kind
	ID     string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Kind == "" {
		return "bridge: protocol: " + e.Reason
	}
	return fmt.Sprintf("bridge: protocol: %s: %s", e.Kind, e.Reason)
}

// IsNotConnected reports whether err is a send on a non-connected channel.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
