package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bloom-nucleus/synapse/internal/bridge"
	"github.com/bloom-nucleus/synapse/internal/config/store"
)

const (
	readyStatus   = `{"command":"system_ready","payload":{"profile_id":"p1","launch_id":"l1","connection_state":"CONNECTED","handshake_confirmed":true,"attempt":0,"timestamp":2}}`
	waitingStatus = `{"command":"connection_update","payload":{"profile_id":"p1","launch_id":"l1","connection_state":"CONNECTING","handshake_confirmed":false,"attempt":0,"timestamp":1}}`
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{DBPath: filepath.Join(t.TempDir(), "config.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *store.Store, key, value string) {
	t.Helper()
	if _, err := s.PutShared(context.Background(), key, []byte(value)); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

type scriptedChecker struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (c *scriptedChecker) CheckStatus(context.Context) (bridge.CheckResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	status := bridge.CheckWaiting
	if len(c.replies) > 0 {
		status = c.replies[0]
		if len(c.replies) > 1 {
			c.replies = c.replies[1:]
		}
	}
	if status == "error" {
		return bridge.CheckResult{}, errors.New("connection refused")
	}
	return bridge.CheckResult{Status: status, HandshakeConfirmed: status == bridge.CheckPong}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []json.RawMessage
}

func (n *recordingNotifier) PostEvent(_ context.Context, event json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func runWithTimeout(t *testing.T, c *Client) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestNewRequiresAChannel(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without watcher or checker")
	}
}

func TestWatchFinalisesWithOnboarding(t *testing.T) {
	s := openStore(t)
	put(t, s, bridge.KeyBridgeConfig, `{"register":true,"email":"a@b.c","profileId":"p1","profile_alias":"work"}`)
	put(t, s, bridge.KeyBridgeStatus, readyStatus)

	notifier := &recordingNotifier{}
	c, err := New(Options{Watcher: s, Notifier: notifier, WatchInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Step != StepOnboarding || res.Via != ViaWatch || res.Config.Email != "a@b.c" {
		t.Fatalf("result = %+v", res)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifications = %d", notifier.count())
	}
	ev := gjson.ParseBytes(notifier.events[0])
	if ev.Get("event").String() != EventDiscoveryComplete || ev.Get("payload.next_step").String() != "onboarding" {
		t.Fatalf("event = %s", notifier.events[0])
	}
}

func TestWatchWaitsForHandshake(t *testing.T) {
	s := openStore(t)
	put(t, s, bridge.KeyBridgeStatus, waitingStatus)

	c, err := New(Options{Watcher: s, WatchInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		ctx := context.Background()
		if _, err := s.PutShared(ctx, bridge.KeyBridgeConfig, []byte(`{"register":false,"email":"","profileId":"p1","profile_alias":""}`)); err != nil {
			t.Error(err)
		}
		if _, err := s.PutShared(ctx, bridge.KeyBridgeStatus, []byte(readyStatus)); err != nil {
			t.Error(err)
		}
	}()

	res, err := runWithTimeout(t, c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Step != StepClose || res.Via != ViaWatch {
		t.Fatalf("result = %+v", res)
	}
}

func TestPollFinalisesAfterWaiting(t *testing.T) {
	checker := &scriptedChecker{replies: []string{bridge.CheckWaiting, "error", bridge.CheckPong}}
	c, err := New(Options{Checker: checker, PollInterval: time.Millisecond, MaxAttempts: 10})
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Via != ViaPoll || res.Step != StepClose || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestPollReadsConfigFromStore(t *testing.T) {
	s := openStore(t)
	put(t, s, bridge.KeyBridgeConfig, `{"register":true,"email":"","profileId":"p1","profile_alias":""}`)

	// Status never appears in the store, so only the poll can finish.
	c, err := New(Options{
		Watcher:       s,
		Checker:       &scriptedChecker{replies: []string{bridge.CheckPong}},
		PollInterval:  time.Millisecond,
		WatchInterval: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Step != StepOnboarding {
		t.Fatalf("result = %+v", res)
	}
}

func TestPollGivesUp(t *testing.T) {
	checker := &scriptedChecker{}
	c, err := New(Options{Checker: checker, PollInterval: time.Millisecond, MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	_, err = runWithTimeout(t, c)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Run = %v, want ErrNotReady", err)
	}
	if checker.calls != 3 {
		t.Fatalf("checks = %d, want 3", checker.calls)
	}
	if c.Completed() {
		t.Fatal("client should not be completed")
	}
}

// countingWatcher reports ready on the watch channel at the same time as
// the checker answers pong.
type countingWatcher struct {
	watches atomic.Int32
}

func (w *countingWatcher) Watch(ctx context.Context, _ time.Duration, _ ...string) (<-chan store.ChangeEvent, error) {
	w.watches.Add(1)
	out := make(chan store.ChangeEvent, 1)
	out <- store.ChangeEvent{Key: bridge.KeyBridgeStatus, Value: []byte(readyStatus), Version: 1}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func TestBothChannelsFinaliseOnce(t *testing.T) {
	for range 20 {
		notifier := &recordingNotifier{}
		c, err := New(Options{
			Watcher:      &countingWatcher{},
			Checker:      &scriptedChecker{replies: []string{bridge.CheckPong}},
			Notifier:     notifier,
			PollInterval: time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := runWithTimeout(t, c); err != nil {
			t.Fatalf("Run: %v", err)
		}
		// Give the losing channel time to report as well.
		time.Sleep(5 * time.Millisecond)
		if n := notifier.count(); n != 1 {
			t.Fatalf("notifications = %d, want 1", n)
		}
		if _, ok := c.finalize(context.Background(), ViaPoll); ok {
			t.Fatal("second finalize succeeded")
		}
	}
}

type failingWatcher struct{}

func (failingWatcher) Watch(context.Context, time.Duration, ...string) (<-chan store.ChangeEvent, error) {
	return nil, errors.New("db locked")
}

func TestWatchFailureFallsBackToPolling(t *testing.T) {
	c, err := New(Options{
		Watcher:      failingWatcher{},
		Checker:      &scriptedChecker{replies: []string{bridge.CheckPong}},
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, c)
	if err != nil || res.Via != ViaPoll {
		t.Fatalf("Run = %+v, %v", res, err)
	}

	c, _ = New(Options{Watcher: failingWatcher{}})
	if _, err := runWithTimeout(t, c); err == nil {
		t.Fatal("expected watch error without checker")
	}
}

type closingWatcher struct{}

func (closingWatcher) Watch(context.Context, time.Duration, ...string) (<-chan store.ChangeEvent, error) {
	out := make(chan store.ChangeEvent, 1)
	out <- store.ChangeEvent{Key: bridge.KeyBridgeStatus, Value: []byte(`{"command":"connection_update","payload":{"connection_state":"CONNECTING"}}`), Version: 1}
	close(out)
	return out, nil
}

func TestWatchOnlyReturnsWhenWatchCloses(t *testing.T) {
	c, err := New(Options{Watcher: closingWatcher{}})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := runWithTimeout(t, c); !errors.Is(err, ErrWatchClosed) {
		t.Fatalf("Run = %v, want ErrWatchClosed", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Run waited for the context instead of the closed watch")
	}
	if c.Completed() {
		t.Fatal("discovery finalised without a ready status")
	}
}

func TestWatchCloseKeepsPolling(t *testing.T) {
	c, err := New(Options{
		Watcher:      closingWatcher{},
		Checker:      &scriptedChecker{replies: []string{bridge.CheckWaiting, bridge.CheckPong}},
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, c)
	if err != nil || res.Via != ViaPoll {
		t.Fatalf("Run = %+v, %v", res, err)
	}
}
