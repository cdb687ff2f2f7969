// Package bridge keeps the native-host channel alive: it runs the connection
// state machine, the handshake, heartbeats, command routing and the shared
// status broadcast.
package bridge

// State is the connection state owned by Manager.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateFailed       State = "FAILED"
)

func (s State) String() string { return string(s) }

// Terminal reports whether no automatic reconnect will follow.
func (s State) Terminal() bool { return s == StateFailed }
