package protocol

import "strings"

// Kind is the normalised discriminant of a wire message. Hosts send it as
// either "type" or "command"; ingress folds both into one value.
type Kind string

const (
	KindSystemHello  Kind = "SYSTEM_HELLO"
	KindSystemAck    Kind = "SYSTEM_ACK"
	KindSystemReady  Kind = "system_ready"
	KindHeartbeat    Kind = "HEARTBEAT"
	KindHeartbeatAck Kind = "HEARTBEAT_ACK"
	KindResponse     Kind = "RESPONSE"
	KindLogEntry     Kind = "LOG_ENTRY"

	KindTabOpen        Kind = "TAB_OPEN"
	KindTabClose       Kind = "TAB_CLOSE"
	KindTabNavigate    Kind = "TAB_NAVIGATE"
	KindTabQuery       Kind = "TAB_QUERY"
	KindTabExecute     Kind = "TAB_EXECUTE"
	KindWindowClose    Kind = "WINDOW_CLOSE"
	KindWindowNavigate Kind = "WINDOW_NAVIGATE"

	KindLockUI   Kind = "LOCK_UI"
	KindUnlockUI Kind = "UNLOCK_UI"

	KindConnectionUpdate Kind = "connection_update"
)

const domPrefix = "DOM_"

// ParseKind normalises a raw discriminant. The system_ready and
// connection_update commands keep their lower-case spelling; everything
// else is matched upper-case.
func ParseKind(raw string) Kind {
	raw = strings.TrimSpace(raw)
	switch lower := strings.ToLower(raw); lower {
	case string(KindSystemReady), string(KindConnectionUpdate):
		return Kind(lower)
	}
	return Kind(strings.ToUpper(raw))
}

// IsActuator reports whether messages of this kind are relayed to a
// page-level actuator instead of being executed locally.
func (k Kind) IsActuator() bool {
	return strings.HasPrefix(string(k), domPrefix) || k == KindLockUI || k == KindUnlockUI
}

// IsLocal reports whether the kind is a page or window operation executed
// by the bridge itself.
func (k Kind) IsLocal() bool {
	switch k {
	case KindTabOpen, KindTabClose, KindTabNavigate, KindTabQuery, KindTabExecute,
		KindWindowClose, KindWindowNavigate:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
