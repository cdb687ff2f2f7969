package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bloom-nucleus/synapse/internal/clock"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
	"github.com/bloom-nucleus/synapse/internal/protocol"
)

func readySnapshot() StatusSnapshot {
	return Status{
		State:              StateConnected,
		HandshakeConfirmed: true,
		ProfileID:          "p",
		LaunchID:           "l",
	}.Snapshot(protocol.KindSystemReady)
}

func TestBroadcasterSkipsRepeatedSnapshot(t *testing.T) {
	store := newMemoryStore()
	b := NewBroadcaster(store, nil, clock.Fake(time.Unix(100, 0)))
	ctx := context.Background()

	for i, want := range []bool{true, false, false} {
		wrote, err := b.PublishStatus(ctx, readySnapshot())
		if err != nil {
			t.Fatal(err)
		}
		if wrote != want {
			t.Fatalf("publish %d wrote = %v, want %v", i, wrote, want)
		}
	}
	if n := len(store.values(KeyBridgeStatus)); n != 1 {
		t.Fatalf("store writes = %d, want 1", n)
	}

	changed := readySnapshot()
	changed.Payload.Attempt = 2
	if wrote, _ := b.PublishStatus(ctx, changed); !wrote {
		t.Fatal("changed snapshot not written")
	}
}

func TestBroadcasterTimestampsStrictlyIncrease(t *testing.T) {
	store := newMemoryStore()
	clk := clock.Fake(time.UnixMilli(5000))
	b := NewBroadcaster(store, nil, clk)
	ctx := context.Background()

	// Same millisecond for every publish.
	for attempt := range 4 {
		snap := readySnapshot()
		snap.Payload.Attempt = attempt
		if _, err := b.PublishStatus(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}
	var last int64
	for _, v := range store.values(KeyBridgeStatus) {
		ts := gjson.GetBytes(v, "payload.timestamp").Int()
		if ts <= last {
			t.Fatalf("timestamp %d not after %d", ts, last)
		}
		last = ts
	}
	if last != 5003 {
		t.Fatalf("last timestamp = %d, want 5003", last)
	}
}

func TestBroadcasterConfigWrittenOnce(t *testing.T) {
	store := newMemoryStore()
	b := NewBroadcaster(store, nil, nil)
	snap := ConfigSnapshot{Register: true, Email: "a@b.c", ProfileID: "p", ProfileAlias: "alias"}

	for range 3 {
		if _, err := b.PublishConfig(context.Background(), snap); err != nil {
			t.Fatal(err)
		}
	}
	vals := store.values(KeyBridgeConfig)
	if len(vals) != 1 {
		t.Fatalf("config writes = %d", len(vals))
	}
	v := gjson.ParseBytes(vals[0])
	if !v.Get("register").Bool() || v.Get("email").String() != "a@b.c" ||
		v.Get("profileId").String() != "p" || v.Get("profile_alias").String() != "alias" {
		t.Fatalf("config value = %s", vals[0])
	}
}

type failingStore struct{}

func (failingStore) PutShared(context.Context, string, []byte) (bool, error) {
	return false, errors.New("disk full")
}

func TestBroadcasterRetriesAfterWriteFailure(t *testing.T) {
	b := NewBroadcaster(failingStore{}, nil, nil)
	if _, err := b.PublishStatus(context.Background(), readySnapshot()); err == nil {
		t.Fatal("expected write error")
	}
	b.store = newMemoryStore()
	if wrote, err := b.PublishStatus(context.Background(), readySnapshot()); err != nil || !wrote {
		t.Fatalf("retry after failure wrote=%v err=%v", wrote, err)
	}
}

func TestBroadcasterPublishesOnBus(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	sub := eventbus.SubscribeTo(bus, eventbus.Bridge.Status)
	defer sub.Close()

	b := NewBroadcaster(nil, bus, nil)
	if _, err := b.PublishStatus(context.Background(), readySnapshot()); err != nil {
		t.Fatal(err)
	}
	select {
	case env := <-sub.C():
		if env.Payload.Key != KeyBridgeStatus || gjson.GetBytes(env.Payload.Value, "command").String() != "system_ready" {
			t.Fatalf("status event = %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
}
