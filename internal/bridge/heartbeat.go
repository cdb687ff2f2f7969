package bridge

import (
	"context"
	"log"

	"github.com/bloom-nucleus/synapse/internal/clock"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
	"github.com/bloom-nucleus/synapse/internal/protocol"
)

// heartbeatMonitor holds keepalive state for the current channel.
type heartbeatMonitor struct {
	ticker   *clock.Ticker
	stop     chan struct{}
	sequence int64
	acked    int64
	answered int64
}

// onHeartbeat answers a host HEARTBEAT with exactly one HEARTBEAT_ACK
// echoing its sequence.
func (m *Manager) onHeartbeat(msg protocol.Message) {
	seq := msg.Field("sequence").Int()
	now := m.clock.Now()
	if err := m.send(protocol.NewHeartbeatAck(seq, now)); err != nil {
		return
	}
	m.hb.answered++

	ev := eventbus.HeartbeatEvent{Sequence: seq, AckedAt: now}
	if m.cfg != nil {
		ev.LaunchID = m.cfg.LaunchID
	}
	eventbus.Publish(context.Background(), m.opts.Bus, eventbus.Bridge.Heartbeat, eventbus.SourceBridgeManager, ev)
}

// startKeepalive starts the outbound heartbeat ticker if enabled. At most
// one ticker runs; it is stopped on teardown.
func (m *Manager) startKeepalive() {
	m.stopKeepalive()
	if m.opts.KeepaliveInterval <= 0 {
		return
	}
	ticker := m.clock.NewTicker(m.opts.KeepaliveInterval)
	stop := make(chan struct{})
	m.hb.ticker, m.hb.stop = ticker, stop
	gen := m.gen

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !m.post(func() { m.keepalive(gen) }) {
					return
				}
			}
		}
	}()
}

func (m *Manager) keepalive(gen uint64) {
	if gen != m.gen || m.state != StateConnected {
		return
	}
	m.hb.sequence++
	if err := m.send(protocol.NewHeartbeat(m.hb.sequence, m.clock.Now())); err != nil {
		log.Printf("[Bridge] keepalive %d not sent", m.hb.sequence)
	}
}

func (m *Manager) stopKeepalive() {
	if m.hb.ticker != nil {
		m.hb.ticker.Stop()
		close(m.hb.stop)
	}
	m.hb = heartbeatMonitor{}
}
