package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/bloom-nucleus/synapse/internal/clock"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
)

// SharedStore is the persistent key/value store observers read. PutShared
// must report whether the stored value changed.
type SharedStore interface {
	PutShared(ctx context.Context, key string, value []byte) (bool, error)
}

// Broadcaster publishes status and config snapshots to the shared store.
// A snapshot equal to the previous one, timestamp aside, is not written,
// so one-shot observers never see a completion twice.
type Broadcaster struct {
	store SharedStore
	bus   *eventbus.Bus
	clock clock.Clock

	mu         sync.Mutex
	lastStatus *StatusSnapshot
	lastConfig *ConfigSnapshot
	lastStamp  int64
}

// NewBroadcaster creates a broadcaster. store may be nil, in which case
// snapshots only go to the bus.
func NewBroadcaster(store SharedStore, bus *eventbus.Bus, clk clock.Clock) *Broadcaster {
	if clk == nil {
		clk = clock.Real()
	}
	return &Broadcaster{store: store, bus: bus, clock: clk}
}

// PublishStatus writes snap under bridgeStatus unless it repeats the last
// one. It reports whether a write happened.
func (b *Broadcaster) PublishStatus(ctx context.Context, snap StatusSnapshot) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap.Payload.Timestamp = 0
	if b.lastStatus != nil && *b.lastStatus == snap {
		return false, nil
	}

	stamp := b.clock.Now().UnixMilli()
	if stamp <= b.lastStamp {
		stamp = b.lastStamp + 1
	}
	keep := snap
	snap.Payload.Timestamp = stamp

	if err := b.write(ctx, KeyBridgeStatus, snap); err != nil {
		return false, err
	}
	b.lastStatus = &keep
	b.lastStamp = stamp
	return true, nil
}

// PublishConfig writes snap under bridgeConfig unless unchanged.
func (b *Broadcaster) PublishConfig(ctx context.Context, snap ConfigSnapshot) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastConfig != nil && *b.lastConfig == snap {
		return false, nil
	}
	if err := b.write(ctx, KeyBridgeConfig, snap); err != nil {
		return false, err
	}
	b.lastConfig = &snap
	return true, nil
}

func (b *Broadcaster) write(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", key, err)
	}

	if b.store != nil {
		ctx, cancel := context.WithTimeout(ctx, constants.StoreWriteTimeout)
		defer cancel()
		if _, err := b.store.PutShared(ctx, key, data); err != nil {
			return fmt.Errorf("bridge: write %s: %w", key, err)
		}
	}

	eventbus.Publish(ctx, b.bus, eventbus.Bridge.Status, eventbus.SourceBroadcaster,
		eventbus.StatusEvent{Key: key, Value: data})
	return nil
}

// logPublish logs broadcast failures; the loop never stops on them.
func logPublish(key string, err error) {
	if err != nil {
		log.Printf("[Bridge] broadcast %s failed: %v", key, err)
	}
}
