package bridge

import (
	"time"

	"github.com/bloom-nucleus/synapse/internal/protocol"
)

// Shared state keys written by the broadcaster.
const (
	KeyBridgeStatus = "bridgeStatus"
	KeyBridgeConfig = "bridgeConfig"
)

// Error kinds surfaced through bridgeStatus.
const (
	ErrorKindConfig    = "config"
	ErrorKindExhausted = "exhausted_retries"
)

// Status is the in-process view of the manager, updated on the loop and
// readable from any goroutine.
type Status struct {
	State              State
	Attempt            int
	HandshakeConfirmed bool
	ProfileID          string
	LaunchID           string
	BridgeName         string
	HostVersion        string
	Err                error
	ErrKind            string
	ChangedAt          time.Time
}

// StatusSnapshot is the value published under bridgeStatus.
type StatusSnapshot struct {
	Command protocol.Kind `json:"command"`
	Payload StatusPayload `json:"payload"`
}

// StatusPayload carries state and identity. Timestamp strictly increases
// across publishes from one broadcaster.
type StatusPayload struct {
	ProfileID          string `json:"profile_id"`
	LaunchID           string `json:"launch_id"`
	BridgeName         string `json:"bridge_name,omitempty"`
	ConnectionState    State  `json:"connection_state"`
	HandshakeConfirmed bool   `json:"handshake_confirmed"`
	Attempt            int    `json:"attempt"`
	HostVersion        string `json:"host_version,omitempty"`
	Error              string `json:"error,omitempty"`
	ErrorKind          string `json:"error_kind,omitempty"`
	Timestamp          int64  `json:"timestamp"`
}

// ConfigSnapshot is the value published under bridgeConfig.
type ConfigSnapshot struct {
	Register     bool   `json:"register"`
	Email        string `json:"email"`
	ProfileID    string `json:"profileId"`
	ProfileAlias string `json:"profile_alias"`
}

// Check status replies.
const (
	CheckPong    = "pong"
	CheckWaiting = "waiting"
)

// CheckResult answers the synchronous check-status request.
type CheckResult struct {
	HandshakeConfirmed bool   `json:"handshake_confirmed"`
	Status             string `json:"status"`
	ConnectionState    State  `json:"connection_state"`
}

// Check derives the check-status reply from a status.
func (s Status) Check() CheckResult {
	res := CheckResult{
		HandshakeConfirmed: s.HandshakeConfirmed,
		Status:             CheckWaiting,
		ConnectionState:    s.State,
	}
	if s.HandshakeConfirmed && s.State == StateConnected {
		res.Status = CheckPong
	}
	return res
}

// Snapshot projects s into the value published under bridgeStatus.
func (s Status) Snapshot(command protocol.Kind) StatusSnapshot {
	p := StatusPayload{
		ProfileID:          s.ProfileID,
		LaunchID:           s.LaunchID,
		BridgeName:         s.BridgeName,
		ConnectionState:    s.State,
		HandshakeConfirmed: s.HandshakeConfirmed,
		Attempt:            s.Attempt,
		HostVersion:        s.HostVersion,
		ErrorKind:          s.ErrKind,
	}
	if s.Err != nil {
		p.Error = s.Err.Error()
	}
	return StatusSnapshot{Command: command, Payload: p}
}
