package daemon

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/bloom-nucleus/synapse/internal/bridge"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
)

// HeartbeatRecorder persists acknowledged heartbeats.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, launchID string, sequence int64, ackAt time.Time) error
}

// ReadinessReporter reflects handshake readiness outside the process.
type ReadinessReporter interface {
	SetServing(serving bool)
}

// StatusSource exposes the current bridge status.
type StatusSource interface {
	Status() bridge.Status
}

// bridgeObserver consumes bridge events from the bus. Heartbeats are
// recorded in the store and handshake or state changes drive readiness.
// Host log entries are appended to a dedicated host log when one is set.
//
// Readiness is re-read from the status source on every handshake or state
// event, so the reported value always follows the latest bridge status
// regardless of the order in which events are handled.
type bridgeObserver struct {
	bus       *eventbus.Bus
	store     HeartbeatRecorder
	status    StatusSource
	readiness ReadinessReporter
	hostLog   *log.Logger

	servingMu sync.Mutex
	serving   bool

	lifecycle eventbus.ServiceLifecycle
}

func newBridgeObserver(bus *eventbus.Bus, store HeartbeatRecorder, status StatusSource, readiness ReadinessReporter, hostLog io.Writer) *bridgeObserver {
	o := &bridgeObserver{bus: bus, store: store, status: status, readiness: readiness}
	if hostLog != nil {
		o.hostLog = log.New(hostLog, "", log.LstdFlags)
	}
	return o
}

func (o *bridgeObserver) Start(ctx context.Context) error {
	o.lifecycle.Start(ctx)

	heartbeats := eventbus.SubscribeTo(o.bus, eventbus.Bridge.Heartbeat, eventbus.WithSubscriptionName("daemon-heartbeats"))
	handshakes := eventbus.SubscribeTo(o.bus, eventbus.Bridge.Handshake, eventbus.WithSubscriptionName("daemon-handshakes"))
	states := eventbus.SubscribeTo(o.bus, eventbus.Bridge.State, eventbus.WithSubscriptionName("daemon-states"))
	o.lifecycle.AddSubscriptions(heartbeats, handshakes, states)

	o.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, heartbeats, nil, func(ev eventbus.HeartbeatEvent) { o.recordHeartbeat(ctx, ev) })
	})
	o.lifecycle.Go(func(ctx context.Context) {
		o.trackReadiness(ctx, handshakes, states)
	})
	if o.hostLog != nil {
		hostLogs := eventbus.SubscribeTo(o.bus, eventbus.Bridge.HostLog, eventbus.WithSubscriptionName("daemon-host-logs"))
		o.lifecycle.AddSubscriptions(hostLogs)
		o.lifecycle.Go(func(ctx context.Context) {
			eventbus.Consume(ctx, hostLogs, nil, func(ev eventbus.HostLogEvent) {
				o.hostLog.Printf("%s [%s] %s", ev.Level, ev.Source, ev.Message)
			})
		})
	}
	return nil
}

func (o *bridgeObserver) Shutdown(ctx context.Context) error {
	return o.lifecycle.Shutdown(ctx)
}

func (o *bridgeObserver) recordHeartbeat(ctx context.Context, ev eventbus.HeartbeatEvent) {
	if o.store == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, constants.StoreWriteTimeout)
	defer cancel()
	if err := o.store.RecordHeartbeat(writeCtx, ev.LaunchID, ev.Sequence, ev.AckedAt); err != nil {
		log.Printf("[Daemon] record heartbeat %d: %v", ev.Sequence, err)
	}
}

func (o *bridgeObserver) trackReadiness(ctx context.Context, handshakes *eventbus.TypedSubscription[eventbus.HandshakeEvent], states *eventbus.TypedSubscription[eventbus.StateEvent]) {
	handshakeC, stateC := handshakes.C(), states.C()
	for handshakeC != nil || stateC != nil {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-handshakeC:
			if !ok {
				handshakeC = nil
				continue
			}
			log.Printf("[Daemon] host handshake confirmed (profile %s, host %s)", env.Payload.ProfileID, env.Payload.HostVersion)
			o.refreshServing(true)
		case env, ok := <-stateC:
			if !ok {
				stateC = nil
				continue
			}
			o.refreshServing(env.Payload.To == string(bridge.StateConnected) && o.currentServing())
		}
	}
}

// refreshServing reports readiness. With a status source the hint is
// ignored and the live status decides.
func (o *bridgeObserver) refreshServing(hint bool) {
	o.servingMu.Lock()
	defer o.servingMu.Unlock()

	serving := hint
	if o.status != nil {
		serving = o.status.Status().Check().Status == bridge.CheckPong
	}
	o.serving = serving
	if o.readiness != nil {
		o.readiness.SetServing(serving)
	}
}

func (o *bridgeObserver) currentServing() bool {
	o.servingMu.Lock()
	defer o.servingMu.Unlock()
	return o.serving
}
