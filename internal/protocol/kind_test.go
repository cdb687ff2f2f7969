package protocol

import "testing"

func TestParseKind(t *testing.T) {
	tests := []struct {
		raw  string
		want Kind
	}{
		{"SYSTEM_ACK", KindSystemAck},
		{"system_ack", KindSystemAck},
		{"system_ready", KindSystemReady},
		{"SYSTEM_READY", KindSystemReady},
		{" tab_query ", KindTabQuery},
		{"connection_update", KindConnectionUpdate},
		{"DOM_CLICK", Kind("DOM_CLICK")},
	}
	for _, tt := range tests {
		if got := ParseKind(tt.raw); got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestKindClassification(t *testing.T) {
	tests := []struct {
		kind     Kind
		local    bool
		actuator bool
	}{
		{KindTabOpen, true, false},
		{KindWindowNavigate, true, false},
		{KindTabExecute, true, false},
		{Kind("DOM_TYPE"), false, true},
		{KindLockUI, false, true},
		{KindUnlockUI, false, true},
		{KindHeartbeat, false, false},
		{Kind("NOPE"), false, false},
	}
	for _, tt := range tests {
		if tt.kind.IsLocal() != tt.local {
			t.Errorf("%s IsLocal = %v", tt.kind, tt.kind.IsLocal())
		}
		if tt.kind.IsActuator() != tt.actuator {
			t.Errorf("%s IsActuator = %v", tt.kind, tt.kind.IsActuator())
		}
	}
}
