// Package discovery waits for a bridge to finish its handshake. It watches
// the shared bridgeStatus key and polls the check-status endpoint at the
// same time; whichever sees completion first finalises, exactly once.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bloom-nucleus/synapse/internal/bridge"
	"github.com/bloom-nucleus/synapse/internal/clock"
	"github.com/bloom-nucleus/synapse/internal/config/store"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/protocol"
)

// EventDiscoveryComplete is sent to the host once discovery finalises.
const EventDiscoveryComplete = "DISCOVERY_COMPLETE"

// NextStep tells the caller what follows discovery.
type NextStep string

const (
	StepClose      NextStep = "close"
	StepOnboarding NextStep = "onboarding"
)

// Channels that can finalise discovery.
const (
	ViaWatch = "watch"
	ViaPoll  = "poll"
)

// ErrNotReady is returned when polling gives up before the bridge
// confirmed its handshake.
var ErrNotReady = errors.New("discovery: bridge not ready")

// ErrWatchClosed is returned when the store watch ends before the bridge
// became ready and no poller is running.
var ErrWatchClosed = errors.New("discovery: watch closed before the bridge was ready")

// Watcher streams shared-state changes. *store.Store implements it.
type Watcher interface {
	Watch(ctx context.Context, interval time.Duration, keys ...string) (<-chan store.ChangeEvent, error)
}

// configReader is implemented by watchers that can also read a key
// directly, like *store.Store.
type configReader interface {
	GetShared(ctx context.Context, key string) (store.SharedValue, error)
}

// Checker answers the synchronous check-status request.
type Checker interface {
	CheckStatus(ctx context.Context) (bridge.CheckResult, error)
}

// Notifier delivers an event to the host through the bridge.
type Notifier interface {
	PostEvent(ctx context.Context, event json.RawMessage) error
}

// Options configures a Client. At least one of Watcher and Checker is
// required.
type Options struct {
	Watcher  Watcher
	Checker  Checker
	Notifier Notifier

	PollInterval  time.Duration
	MaxAttempts   int
	WatchInterval time.Duration
	Clock         clock.Clock
}

// Result describes a finalised discovery.
type Result struct {
	Step     NextStep
	Via      string
	Config   bridge.ConfigSnapshot
	Attempts int // polls made before finalising
}

// Client runs one discovery.
type Client struct {
	opts Options

	completed atomic.Bool
	polls     atomic.Int32

	mu     sync.Mutex
	config *bridge.ConfigSnapshot
}

// New validates opts and returns a client.
func New(opts Options) (*Client, error) {
	if opts.Watcher == nil && opts.Checker == nil {
		return nil, errors.New("discovery: a watcher or a checker is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DiscoveryPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = constants.DiscoveryMaxAttempts
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = constants.StoreWatchInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Client{opts: opts}, nil
}

// Completed reports whether discovery has finalised.
func (c *Client) Completed() bool {
	return c.completed.Load()
}

// Run blocks until discovery finalises, polling gives up or ctx ends.
// A notification failure is returned alongside the finalised result.
func (c *Client) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan string, 2)
	pollDone := make(chan error, 1)
	watchEnded := make(chan struct{}, 1)

	if c.opts.Watcher != nil {
		changes, err := c.opts.Watcher.Watch(ctx, c.opts.WatchInterval, bridge.KeyBridgeConfig, bridge.KeyBridgeStatus)
		if err != nil {
			if c.opts.Checker == nil {
				return Result{}, fmt.Errorf("discovery: watch: %w", err)
			}
			log.Printf("[Discovery] watch unavailable, polling only: %v", err)
		} else {
			go func() {
				if !c.watch(ctx, changes, ready) {
					watchEnded <- struct{}{}
				}
			}()
		}
	}
	if c.opts.Checker != nil {
		go func() { pollDone <- c.poll(ctx, ready) }()
	}

	for {
		select {
		case via := <-ready:
			res, ok := c.finalize(ctx, via)
			if !ok {
				continue
			}
			return res, c.notify(ctx, res)
		case err := <-pollDone:
			if err == nil {
				continue
			}
			if c.Completed() {
				continue
			}
			return Result{}, err
		case <-watchEnded:
			if c.opts.Checker != nil || c.Completed() {
				continue
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{}, ErrWatchClosed
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// watch reports whether it saw the bridge become ready before changes
// closed.
func (c *Client) watch(ctx context.Context, changes <-chan store.ChangeEvent, ready chan<- string) bool {
	for ev := range changes {
		switch ev.Key {
		case bridge.KeyBridgeConfig:
			var snap bridge.ConfigSnapshot
			if err := json.Unmarshal(ev.Value, &snap); err != nil {
				log.Printf("[Discovery] ignoring malformed %s: %v", ev.Key, err)
				continue
			}
			c.mu.Lock()
			c.config = &snap
			c.mu.Unlock()
		case bridge.KeyBridgeStatus:
			var snap bridge.StatusSnapshot
			if err := json.Unmarshal(ev.Value, &snap); err != nil {
				log.Printf("[Discovery] ignoring malformed %s: %v", ev.Key, err)
				continue
			}
			if statusReady(snap) {
				select {
				case ready <- ViaWatch:
				case <-ctx.Done():
				}
				return true
			}
		}
	}
	return false
}

func statusReady(snap bridge.StatusSnapshot) bool {
	return snap.Payload.HandshakeConfirmed && snap.Payload.ConnectionState == bridge.StateConnected
}

// poll checks immediately and then every PollInterval, up to MaxAttempts
// checks in total.
func (c *Client) poll(ctx context.Context, ready chan<- string) error {
	ticker := c.opts.Clock.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
		if c.Completed() {
			return nil
		}

		c.polls.Add(1)
		res, err := c.opts.Checker.CheckStatus(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[Discovery] check %d/%d failed: %v", attempt, c.opts.MaxAttempts, err)
		case res.Status == bridge.CheckPong:
			select {
			case ready <- ViaPoll:
			case <-ctx.Done():
			}
			return nil
		}
	}
	return fmt.Errorf("%w after %d checks", ErrNotReady, c.opts.MaxAttempts)
}

// finalize runs once; later calls report false.
func (c *Client) finalize(ctx context.Context, via string) (Result, bool) {
	if !c.completed.CompareAndSwap(false, true) {
		return Result{}, false
	}
	res := Result{Step: StepClose, Via: via, Attempts: int(c.polls.Load())}
	if cfg, ok := c.currentConfig(ctx); ok {
		res.Config = cfg
	}
	if res.Config.Register {
		res.Step = StepOnboarding
	}
	log.Printf("[Discovery] bridge ready (via %s), next step %s", via, res.Step)
	return res, true
}

// currentConfig prefers the watched bridgeConfig and falls back to a
// direct read when the poll won before the watcher delivered it.
func (c *Client) currentConfig(ctx context.Context) (bridge.ConfigSnapshot, bool) {
	c.mu.Lock()
	cfg := c.config
	c.mu.Unlock()
	if cfg != nil {
		return *cfg, true
	}

	reader, ok := c.opts.Watcher.(configReader)
	if !ok {
		return bridge.ConfigSnapshot{}, false
	}
	entry, err := reader.GetShared(ctx, bridge.KeyBridgeConfig)
	if err != nil {
		if !store.IsNotFound(err) {
			log.Printf("[Discovery] read %s: %v", bridge.KeyBridgeConfig, err)
		}
		return bridge.ConfigSnapshot{}, false
	}
	var snap bridge.ConfigSnapshot
	if err := json.Unmarshal(entry.Value, &snap); err != nil {
		return bridge.ConfigSnapshot{}, false
	}
	return snap, true
}

func (c *Client) notify(ctx context.Context, res Result) error {
	if c.opts.Notifier == nil {
		return nil
	}
	event, err := protocol.NewEvent(EventDiscoveryComplete, map[string]any{
		"payload": map[string]any{
			"via":        res.Via,
			"profile_id": res.Config.ProfileID,
			"register":   res.Config.Register,
			"next_step":  res.Step,
		},
	})
	if err != nil {
		return err
	}
	if err := c.opts.Notifier.PostEvent(ctx, event); err != nil {
		return fmt.Errorf("discovery: notify host: %w", err)
	}
	return nil
}
