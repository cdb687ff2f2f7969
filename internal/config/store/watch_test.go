package store

import (
	"context"
	"testing"
	"time"
)

func TestWatchDeliversExistingAndNewValues(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.PutShared(ctx, "bridgeConfig", []byte(`{"bridgeName":"a"}`)); err != nil {
		t.Fatal(err)
	}

	events, err := s.Watch(ctx, 100*time.Millisecond, "bridgeConfig", "bridgeStatus")
	if err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, events)
	if ev.Key != "bridgeConfig" || string(ev.Value) != `{"bridgeName":"a"}` {
		t.Fatalf("unexpected initial event %+v", ev)
	}

	if _, err := s.PutShared(ctx, "bridgeStatus", []byte(`{"connected":true}`)); err != nil {
		t.Fatal(err)
	}
	ev = nextEvent(t, events)
	if ev.Key != "bridgeStatus" || ev.Version != 1 {
		t.Fatalf("unexpected change event %+v", ev)
	}
}

func TestWatchIgnoresIdenticalWrites(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.PutShared(ctx, "bridgeStatus", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	events, err := s.Watch(ctx, 100*time.Millisecond, "bridgeStatus")
	if err != nil {
		t.Fatal(err)
	}
	nextEvent(t, events)

	if _, err := s.PutShared(ctx, "bridgeStatus", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatchClosesOnCancel(t *testing.T) {
	s, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := s.Watch(ctx, 100*time.Millisecond, "bridgeStatus")
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

func nextEvent(t *testing.T, events <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return ChangeEvent{}
}
