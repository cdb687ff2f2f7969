package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestDecodeUsesTypeBeforeCommand(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"SYSTEM_ACK","command":"system_ready","payload":{"host_version":"1.2.0"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != KindSystemAck {
		t.Fatalf("expected SYSTEM_ACK, got %q", msg.Kind)
	}
	if got := msg.Field("host_version").String(); got != "1.2.0" {
		t.Fatalf("host_version = %q", got)
	}
}

func TestDecodeFallsBackToCommand(t *testing.T) {
	msg, err := Decode([]byte(`{"command":"TAB_QUERY","id":"q1","target":"active","payload":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != KindTabQuery || msg.ID != "q1" || msg.Target != "active" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestDecodeNumericID(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"TAB_QUERY","id":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "42" {
		t.Fatalf("expected id 42, got %q", msg.ID)
	}
}

func TestDecodeMissingDiscriminantKeepsID(t *testing.T) {
	msg, err := Decode([]byte(`{"id":"x1","payload":{}}`))
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decErr.ID != "x1" || msg.ID != "x1" {
		t.Fatalf("id not preserved: %+v %+v", decErr, msg)
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	for _, raw := range []string{`{`, `[]`, `"str"`} {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("Decode(%s) should fail", raw)
		}
	}
}

func TestFieldFallsBackToTopLevel(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"HEARTBEAT","sequence":7}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Field("sequence").Int() != 7 {
		t.Fatalf("sequence = %v", msg.Field("sequence"))
	}
}

func TestHeartbeatAckShape(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	data, err := Encode(NewHeartbeatAck(9, at))
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(data, "type").String() != "HEARTBEAT_ACK" {
		t.Fatalf("wrong type in %s", data)
	}
	if gjson.GetBytes(data, "payload.sequence").Int() != 9 {
		t.Fatalf("sequence not echoed in %s", data)
	}
	if gjson.GetBytes(data, "payload.received_at").Int() != 1700000000123 {
		t.Fatalf("received_at wrong in %s", data)
	}
}

func TestErrorResponseShape(t *testing.T) {
	data, err := Encode(NewErrorResponse(StringID("r1"), errors.New("unknown command: FOO")))
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Payload struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "RESPONSE" || decoded.ID != "r1" || decoded.Payload.Success {
		t.Fatalf("unexpected response %s", data)
	}
	if !strings.Contains(decoded.Payload.Error, "FOO") {
		t.Fatalf("error text lost: %s", data)
	}
}

func TestEnrichEventAddsSender(t *testing.T) {
	out, err := EnrichEvent([]byte(`{"event":"ACTUATOR_READY"}`), Sender{ActuatorID: "a1", TabID: 3, URL: "https://x"})
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "sender.actuator_id").String() != "a1" {
		t.Fatalf("sender missing: %s", out)
	}
	if gjson.GetBytes(out, "tab_id").Int() != 3 || gjson.GetBytes(out, "url").String() != "https://x" {
		t.Fatalf("tab context missing: %s", out)
	}
}

func TestEnrichEventKeepsPageFields(t *testing.T) {
	out, err := EnrichEvent([]byte(`{"event":"X","tab_id":9}`), Sender{TabID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "tab_id").Int() != 9 {
		t.Fatalf("page tab_id overwritten: %s", out)
	}
}

func TestEnrichEventRejectsNonObject(t *testing.T) {
	if _, err := EnrichEvent([]byte(`[1]`), Sender{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewEvent(t *testing.T) {
	out, err := NewEvent("DISCOVERY_COMPLETE", map[string]any{"payload": map[string]any{"register": true}})
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(out, "event").String() != "DISCOVERY_COMPLETE" || !gjson.GetBytes(out, "payload.register").Bool() {
		t.Fatalf("unexpected event %s", out)
	}
}

func TestResponseEchoesNumericID(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"TAB_QUERY","id":7,"payload":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode(NewResponse(msg.RawID, map[string]bool{"success": true}))
	if err != nil {
		t.Fatal(err)
	}
	id := gjson.GetBytes(data, "id")
	if id.Type != gjson.Number || id.Int() != 7 {
		t.Fatalf("id = %s (%v), want number 7", id.Raw, id.Type)
	}
}

func TestStringIDOmitsEmpty(t *testing.T) {
	data, err := Encode(NewRequest(KindTabQuery, "", "", nil))
	if err != nil {
		t.Fatal(err)
	}
	if gjson.GetBytes(data, "id").Exists() {
		t.Fatalf("empty id encoded in %s", data)
	}
}
