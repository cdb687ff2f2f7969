package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/bloom-nucleus/synapse/internal/eventbus"
)

type hubFixture struct {
	hub    *Hub
	bus    *eventbus.Bus
	server *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	bus := eventbus.New()
	hub := NewHub(bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/actuator", hub.HandleWebSocket)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		cancel()
		bus.Shutdown()
	})
	return &hubFixture{hub: hub, bus: bus, server: server}
}

// dial connects a page actuator and returns its connection and the
// actuator id from the hello.
func (f *hubFixture) dial(t *testing.T, tabID int, pageURL string) (*websocket.Conn, string) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/actuator?tab_id=" + strconv.Itoa(tabID) + "&url=" + pageURL
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial actuator: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, hello, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	id := gjson.GetBytes(hello, "actuator_id").String()
	if gjson.GetBytes(hello, "type").String() != "ACTUATOR_HELLO" || id == "" {
		t.Fatalf("unexpected hello %s", hello)
	}
	waitUntil(t, func() bool {
		for _, a := range f.hub.Actuators() {
			if a.ID == id {
				return true
			}
		}
		return false
	})
	return conn, id
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// serveCommands answers every command with a RESPONSE echoing its type
// and the actuator's own label.
func serveCommands(conn *websocket.Conn, label string) {
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			relayID := gjson.GetBytes(msg, "relay_id").String()
			hostID := gjson.GetBytes(msg, "id").Raw
			if hostID == "" {
				hostID = "null"
			}
			reply := `{"type":"RESPONSE","relay_id":"` + relayID + `","payload":{"success":true,"label":"` + label + `","type":"` + gjson.GetBytes(msg, "type").String() + `","id":` + hostID + `}}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
	}()
}

func TestHubForwardRoundTrip(t *testing.T) {
	f := newHubFixture(t)
	conn, _ := f.dial(t, 4, "https://example.com")
	serveCommands(conn, "tab4")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := f.hub.Forward(ctx, "active", []byte(`{"type":"DOM_CLICK","id":"host-1","payload":{"selector":"#a"}}`))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gjson.GetBytes(reply, "label").String() != "tab4" || gjson.GetBytes(reply, "type").String() != "DOM_CLICK" {
		t.Fatalf("reply = %s", reply)
	}
	if gjson.GetBytes(reply, "id").String() != "host-1" {
		t.Fatalf("host id not relayed unchanged: %s", reply)
	}
}

func TestHubTargetResolution(t *testing.T) {
	f := newHubFixture(t)
	first, firstID := f.dial(t, 1, "https://one.example")
	serveCommands(first, "one")
	second, _ := f.dial(t, 2, "https://two.example")
	serveCommands(second, "two")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cases := []struct {
		target string
		want   string
	}{
		{"active", "two"}, // most recently connected
		{"1", "one"},
		{firstID, "one"},
		{"active", "one"}, // the reply above made "one" most recently active
	}
	for _, tc := range cases {
		reply, err := f.hub.Forward(ctx, tc.target, []byte(`{"type":"LOCK_UI","id":"x"}`))
		if err != nil {
			t.Fatalf("Forward(%q): %v", tc.target, err)
		}
		if got := gjson.GetBytes(reply, "label").String(); got != tc.want {
			t.Fatalf("Forward(%q) reached %q, want %q", tc.target, got, tc.want)
		}
	}

	if _, err := f.hub.Forward(ctx, "99", []byte(`{"type":"LOCK_UI"}`)); !errors.Is(err, ErrActuatorNotFound) {
		t.Fatalf("unknown tab = %v", err)
	}
}

func TestHubForwardWithoutActuators(t *testing.T) {
	f := newHubFixture(t)
	if _, err := f.hub.Forward(context.Background(), "active", []byte(`{"type":"DOM_CLICK"}`)); !errors.Is(err, ErrActuatorNotFound) {
		t.Fatalf("Forward = %v", err)
	}
}

func TestHubFailsPendingOnDisconnect(t *testing.T) {
	f := newHubFixture(t)
	conn, _ := f.dial(t, 3, "https://example.com")

	errCh := make(chan error, 1)
	go func() {
		_, err := f.hub.Forward(context.Background(), "3", []byte(`{"type":"DOM_QUERY","id":"q"}`))
		errCh <- err
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("command not delivered: %v", err)
	}
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrActuatorGone) {
			t.Fatalf("Forward after disconnect = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending command not failed")
	}
	waitUntil(t, func() bool { return f.hub.Count() == 0 })
}

func TestHubPublishesPageEvents(t *testing.T) {
	f := newHubFixture(t)
	sub := eventbus.SubscribeTo(f.bus, eventbus.Actuators.Event, eventbus.WithSubscriptionBuffer(8))
	defer sub.Close()

	conn, id := f.dial(t, 5, "https://example.com/page")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"FORM_SUBMIT","fields":2}`)); err != nil {
		t.Fatal(err)
	}

	var names []string
	deadline := time.After(2 * time.Second)
	for len(names) < 2 {
		select {
		case env := <-sub.C():
			if env.Payload.Sender.ActuatorID != id || env.Payload.Sender.TabID != 5 {
				t.Fatalf("sender = %+v", env.Payload.Sender)
			}
			names = append(names, gjson.GetBytes(env.Payload.Event, "event").String())
		case <-deadline:
			t.Fatalf("events received: %v", names)
		}
	}
	if names[0] != EventActuatorReady || names[1] != "FORM_SUBMIT" {
		t.Fatalf("events = %v", names)
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	f := newHubFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/actuator"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
	header.Set("Origin", "chrome-extension://abcdef")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("extension origin rejected: %v", err)
	}
	conn.Close()
}

func TestHubRejectsInvalidTabID(t *testing.T) {
	f := newHubFixture(t)
	resp, err := http.Get(f.server.URL + "/v1/actuator?tab_id=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
