package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bloom-nucleus/synapse/internal/browser"
	"github.com/bloom-nucleus/synapse/internal/clock"
	"github.com/bloom-nucleus/synapse/internal/config"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
	"github.com/bloom-nucleus/synapse/internal/protocol"
	"github.com/bloom-nucleus/synapse/internal/transport"
)

const testWait = 2 * time.Second

var testIdentity = config.BridgeConfig{
	ProfileID:    "profile-1",
	BridgeName:   "bridge-test",
	LaunchID:     "launch-1",
	ProfileAlias: "work",
	Email:        "dev@example.com",
}

func testPolicy() Policy {
	return Policy{
		BaseDelay:        time.Second,
		MaxDelay:         8 * time.Second,
		MaxAttempts:      3,
		Jitter:           0,
		ConfigRetryDelay: 5 * time.Second,
	}
}

// memoryStore records every shared-state write.
type memoryStore struct {
	mu     sync.Mutex
	writes map[string][]json.RawMessage
}

func newMemoryStore() *memoryStore {
	return &memoryStore{writes: make(map[string][]json.RawMessage)}
}

func (s *memoryStore) PutShared(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[key] = append(s.writes[key], append(json.RawMessage(nil), value...))
	return true, nil
}

func (s *memoryStore) values(key string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.writes[key]...)
}

// countCommand counts bridgeStatus writes carrying command.
func (s *memoryStore) countCommand(command protocol.Kind) int {
	n := 0
	for _, v := range s.values(KeyBridgeStatus) {
		if gjson.GetBytes(v, "command").String() == string(command) {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	m      *Manager
	dialer *transport.MemoryDialer
	clock  *clock.FakeClock
	store  *memoryStore
	bus    *eventbus.Bus
	pages  *browser.Browser
	done   chan struct{}
	cancel context.CancelFunc
}

type harnessOption func(*Options)

func withConfig(src config.Source) harnessOption {
	return func(o *Options) { o.Config = src }
}

func withKeepalive(d time.Duration) harnessOption {
	return func(o *Options) { o.KeepaliveInterval = d }
}

func withActuators(a Actuators) harnessOption {
	return func(o *Options) { o.Router = NewRouter(o.Router.pages, a) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		dialer: transport.NewMemoryDialer(),
		clock:  clock.Fake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		store:  newMemoryStore(),
		bus:    eventbus.New(),
		pages:  browser.New(),
		done:   make(chan struct{}),
	}
	o := Options{
		Config: config.SourceFunc(func() (config.BridgeConfig, error) { return testIdentity, nil }),
		Dialer: h.dialer,
		Policy: testPolicy(),
		Clock:  h.clock,
		Rand:   func() float64 { return 0 },
		Bus:    h.bus,
		Router: NewRouter(h.pages, nil),
	}
	o.Broadcaster = NewBroadcaster(h.store, h.bus, h.clock)
	for _, opt := range opts {
		opt(&o)
	}

	m, err := NewManager(o)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.m = m

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(testWait):
		h.t.Error("manager did not stop")
	}
	h.bus.Shutdown()
}

// inspect runs fn on the manager loop.
func (h *harness) inspect(fn func(m *Manager)) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	if err := h.m.do(ctx, func() { fn(h.m) }); err != nil {
		h.t.Fatalf("inspect: %v", err)
	}
}

// accept waits for the manager to dial and returns the host end.
func (h *harness) accept() *transport.MemoryConn {
	h.t.Helper()
	conn, ok := h.dialer.Accept(testWait)
	if !ok {
		h.t.Fatal("manager did not dial")
	}
	return conn
}

// connect dials, checks the hello and completes the handshake.
func (h *harness) connect() *transport.MemoryConn {
	h.t.Helper()
	conn := h.accept()
	expectKind(h.t, conn, protocol.KindSystemHello)
	conn.Inject([]byte(`{"type":"SYSTEM_ACK","payload":{"host_version":"dev"}}`))
	h.waitFor("handshake", func() bool { return h.m.Status().HandshakeConfirmed })
	return conn
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s (status %+v)", what, h.m.Status())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	h.waitFor("state "+string(want), func() bool { return h.m.Status().State == want })
}

// fire waits for the single pending timer and advances past it.
func (h *harness) fire(d time.Duration) {
	h.t.Helper()
	if !h.clock.WaitForTimers(1, testWait) {
		h.t.Fatalf("expected one pending timer, have %d", h.clock.PendingCount())
	}
	h.clock.Advance(d)
}

// expectKind reads host-bound messages until one of kind arrives.
func expectKind(t *testing.T, conn *transport.MemoryConn, kind protocol.Kind) gjson.Result {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		msg, ok := conn.Next(time.Until(deadline))
		if !ok {
			break
		}
		if protocol.Kind(gjson.GetBytes(msg, "type").String()) == kind {
			return gjson.ParseBytes(msg)
		}
	}
	t.Fatalf("no %s message sent", kind)
	return gjson.Result{}
}

// expectResponse reads messages until the RESPONSE for id arrives.
func expectResponse(t *testing.T, conn *transport.MemoryConn, id string) gjson.Result {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		msg, ok := conn.Next(time.Until(deadline))
		if !ok {
			break
		}
		res := gjson.ParseBytes(msg)
		if res.Get("type").String() == string(protocol.KindResponse) && res.Get("id").String() == id {
			return res
		}
	}
	t.Fatalf("no RESPONSE for %s", id)
	return gjson.Result{}
}
