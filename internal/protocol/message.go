// Package protocol defines the bridge wire messages, their native-messaging
// framing and the chunked transfer of large payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Message is an inbound wire message after ingress normalisation. The raw
// bytes are kept so actuator commands can be relayed verbatim.
type Message struct {
	Kind Kind
	ID   string
	// RawID is the id exactly as it appeared on the wire, string or number.
	// Replies echo it unchanged.
	RawID   json.RawMessage
	Target  string
	Payload json.RawMessage
	Raw     []byte
}

// DecodeError reports a frame that is not a usable message.
type DecodeError struct {
	Reason string
	ID     string // request id, when one could still be extracted
	RawID  json.RawMessage
}

func (e *DecodeError) Error() string {
	return "protocol: " + e.Reason
}

// Decode parses a frame. A frame without a discriminant is still returned
// alongside the error when it carries an id, so the caller can answer it.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, &DecodeError{Reason: "invalid json"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Message{}, &DecodeError{Reason: "message is not an object"}
	}

	id := root.Get("id")
	msg := Message{
		ID:     idString(id),
		Target: root.Get("target").String(),
		Raw:    data,
	}
	if msg.ID != "" {
		msg.RawID = json.RawMessage(id.Raw)
	}
	if p := root.Get("payload"); p.Exists() {
		msg.Payload = json.RawMessage(p.Raw)
	}

	discriminant := root.Get("type").String()
	if discriminant == "" {
		discriminant = root.Get("command").String()
	}
	if discriminant == "" {
		return msg, &DecodeError{Reason: "message has neither type nor command", ID: msg.ID, RawID: msg.RawID}
	}
	msg.Kind = ParseKind(discriminant)
	return msg, nil
}

// ids may be numeric on the wire.
func idString(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	}
	return ""
}

// Field looks up path inside the payload, falling back to the top level of
// the message. Hosts are inconsistent about where they put fields.
func (m Message) Field(path string) gjson.Result {
	if len(m.Payload) > 0 {
		if v := gjson.GetBytes(m.Payload, path); v.Exists() {
			return v
		}
	}
	return gjson.GetBytes(m.Raw, path)
}

// Outbound is the envelope for every bridge-originated message. ID holds
// raw JSON so replies carry the request id with its original type.
type Outbound struct {
	Type    Kind            `json:"type"`
	Command Kind            `json:"command,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Target  string          `json:"target,omitempty"`
	Payload any             `json:"payload,omitempty"`
}

// Encode marshals an outbound message.
func Encode(out Outbound) ([]byte, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", out.Type, err)
	}
	return data, nil
}

// Hello carries the bridge identity to the host after channel open.
type Hello struct {
	ProfileID    string `json:"profile_id"`
	LaunchID     string `json:"launch_id"`
	ExtensionID  string `json:"extension_id,omitempty"`
	ProfileAlias string `json:"profile_alias,omitempty"`
	BridgeName   string `json:"bridge_name,omitempty"`
}

// NewHello builds a SYSTEM_HELLO.
func NewHello(h Hello) Outbound {
	return Outbound{Type: KindSystemHello, Payload: h}
}

// HeartbeatAck echoes a host heartbeat sequence.
type HeartbeatAck struct {
	Sequence   int64 `json:"sequence"`
	ReceivedAt int64 `json:"received_at"`
}

// NewHeartbeatAck builds a HEARTBEAT_ACK for sequence.
func NewHeartbeatAck(sequence int64, receivedAt time.Time) Outbound {
	return Outbound{Type: KindHeartbeatAck, Payload: HeartbeatAck{
		Sequence:   sequence,
		ReceivedAt: receivedAt.UnixMilli(),
	}}
}

// NewHeartbeat builds a bridge-initiated keepalive.
func NewHeartbeat(sequence int64, sentAt time.Time) Outbound {
	return Outbound{Type: KindHeartbeat, Payload: map[string]int64{
		"sequence":  sequence,
		"timestamp": sentAt.UnixMilli(),
	}}
}

// NewResponse correlates payload with the raw request id.
func NewResponse(id json.RawMessage, payload any) Outbound {
	return Outbound{Type: KindResponse, ID: id, Payload: payload}
}

// NewRequest builds a bridge-originated correlated command.
func NewRequest(kind Kind, id, target string, payload any) Outbound {
	return Outbound{Type: kind, ID: StringID(id), Target: target, Payload: payload}
}

// StringID encodes id as a JSON string. An empty id stays empty.
func StringID(id string) json.RawMessage {
	if id == "" {
		return nil
	}
	data, _ := json.Marshal(id)
	return data
}

// ErrorPayload is the payload of an error RESPONSE.
type ErrorPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewErrorResponse answers id with {success:false, error}.
func NewErrorResponse(id json.RawMessage, err error) Outbound {
	return NewResponse(id, ErrorPayload{Success: false, Error: err.Error()})
}

// Sender identifies the page a forwarded event came from.
type Sender struct {
	ActuatorID string `json:"actuator_id,omitempty"`
	TabID      int    `json:"tab_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

// EnrichEvent attaches sender context to a page event. Fields already set
// by the page are left alone.
func EnrichEvent(event []byte, sender Sender) ([]byte, error) {
	if !gjson.ValidBytes(event) || !gjson.ParseBytes(event).IsObject() {
		return nil, &DecodeError{Reason: "event is not a json object"}
	}
	out := event
	var err error
	if !gjson.GetBytes(out, "sender").Exists() {
		if out, err = sjson.SetBytes(out, "sender", sender); err != nil {
			return nil, fmt.Errorf("protocol: enrich sender: %w", err)
		}
	}
	if sender.TabID != 0 && !gjson.GetBytes(out, "tab_id").Exists() {
		if out, err = sjson.SetBytes(out, "tab_id", sender.TabID); err != nil {
			return nil, fmt.Errorf("protocol: enrich tab_id: %w", err)
		}
	}
	if sender.URL != "" && !gjson.GetBytes(out, "url").Exists() {
		if out, err = sjson.SetBytes(out, "url", sender.URL); err != nil {
			return nil, fmt.Errorf("protocol: enrich url: %w", err)
		}
	}
	return out, nil
}

// NewEvent builds a flat event wrapper such as {"event":"DISCOVERY_COMPLETE"}.
func NewEvent(name string, fields map[string]any) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "event", name); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if out, err = sjson.SetBytes(out, k, v); err != nil {
			return nil, fmt.Errorf("protocol: event field %q: %w", k, err)
		}
	}
	return out, nil
}
