package eventbus

import (
	"encoding/json"
	"time"
)

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicBridgeState      Topic = "bridge.state"
	TopicBridgeHandshake  Topic = "bridge.handshake"
	TopicBridgeHeartbeat  Topic = "bridge.heartbeat"
	TopicBridgeStatus     Topic = "bridge.status"
	TopicActuatorEvent    Topic = "actuator.event"
	TopicActuatorPresence Topic = "actuator.presence"
	TopicHostLog          Topic = "host.log"
)

// Source describes which component produced an event.
type Source string

const (
	SourceBridgeManager Source = "bridge_manager"
	SourceRouter        Source = "router"
	SourceBroadcaster   Source = "broadcaster"
	SourceActuatorHub   Source = "actuator_hub"
	SourceControlAPI    Source = "control_api"
	SourceUnknown       Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// StateEvent reports a connection state transition.
type StateEvent struct {
	From    string
	To      string
	Attempt int
	Err     string
}

// HandshakeEvent is published once per channel when the host acknowledges
// the hello.
type HandshakeEvent struct {
	ProfileID   string
	LaunchID    string
	HostVersion string
	At          time.Time
}

// HeartbeatEvent records an acknowledged host heartbeat.
type HeartbeatEvent struct {
	LaunchID string
	Sequence int64
	AckedAt  time.Time
}

// StatusEvent carries a value written to a shared state key.
type StatusEvent struct {
	Key   string
	Value json.RawMessage
}

// PageEvent is an event raised by a page-level actuator, destined for the
// host. Sender identifies the originating page.
type PageEvent struct {
	Sender PageSender
	Event  json.RawMessage
}

// PageSender is the context the bridge attaches to page events.
type PageSender struct {
	ActuatorID string
	TabID      int
	URL        string
}

// ActuatorPresenceEvent signals an actuator connecting or going away.
type ActuatorPresenceEvent struct {
	ActuatorID string
	TabID      int
	URL        string
	Connected  bool
}

// LogLevel enumerates host log severities.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// HostLogEvent is a LOG_ENTRY forwarded by the host.
type HostLogEvent struct {
	Level   LogLevel
	Source  string
	Message string
}

// Bridge groups topics describing the host connection.
var Bridge = struct {
	State     TopicDef[StateEvent]
	Handshake TopicDef[HandshakeEvent]
	Heartbeat TopicDef[HeartbeatEvent]
	Status    TopicDef[StatusEvent]
	HostLog   TopicDef[HostLogEvent]
}{
	State:     NewTopicDef[StateEvent](TopicBridgeState),
	Handshake: NewTopicDef[HandshakeEvent](TopicBridgeHandshake),
	Heartbeat: NewTopicDef[HeartbeatEvent](TopicBridgeHeartbeat),
	Status:    NewTopicDef[StatusEvent](TopicBridgeStatus),
	HostLog:   NewTopicDef[HostLogEvent](TopicHostLog),
}

// Actuators groups topics raised by page-level actuators.
var Actuators = struct {
	Event    TopicDef[PageEvent]
	Presence TopicDef[ActuatorPresenceEvent]
}{
	Event:    NewTopicDef[PageEvent](TopicActuatorEvent),
	Presence: NewTopicDef[ActuatorPresenceEvent](TopicActuatorPresence),
}
