package bridge

import (
	"context"
	"log"

	"github.com/bloom-nucleus/synapse/internal/eventbus"
	"github.com/bloom-nucleus/synapse/internal/protocol"
	"github.com/bloom-nucleus/synapse/internal/version"
)

// handshake tracks hello/ack for the current channel. It is reset on
// every open.
type handshake struct {
	helloSent   bool
	completed   bool
	hostVersion string
}

// sendHello announces the bridge identity once per channel.
func (m *Manager) sendHello() {
	if m.hs.helloSent || m.cfg == nil {
		return
	}
	hello := protocol.NewHello(protocol.Hello{
		ProfileID:    m.cfg.ProfileID,
		LaunchID:     m.cfg.LaunchID,
		ExtensionID:  m.cfg.ExtensionID,
		ProfileAlias: m.cfg.ProfileAlias,
		BridgeName:   m.cfg.BridgeName,
	})
	if err := m.send(hello); err != nil {
		return
	}
	m.hs.helloSent = true
	log.Printf("[Bridge] SYSTEM_HELLO sent (profile %s, launch %s)", m.cfg.ProfileID, m.cfg.LaunchID)
}

// completeHandshake handles SYSTEM_ACK and system_ready. Only the first
// one per channel has any effect.
func (m *Manager) completeHandshake(msg protocol.Message) {
	if m.hs.completed {
		if m.opts.Verbose {
			log.Printf("[Bridge] duplicate %s ignored", msg.Kind)
		}
		return
	}
	m.hs.completed = true
	m.hs.hostVersion = msg.Field("host_version").String()
	m.attempt = 0
	m.publishStatus()

	log.Printf("[Bridge] handshake confirmed via %s", msg.Kind)
	if warning := version.CheckVersionMismatch("host", m.hs.hostVersion); warning != "" {
		log.Printf("[Bridge] %s", warning)
	}

	ev := eventbus.HandshakeEvent{HostVersion: m.hs.hostVersion, At: m.clock.Now()}
	if m.cfg != nil {
		ev.ProfileID, ev.LaunchID = m.cfg.ProfileID, m.cfg.LaunchID
	}
	eventbus.Publish(context.Background(), m.opts.Bus, eventbus.Bridge.Handshake, eventbus.SourceBridgeManager, ev)
	m.broadcast(protocol.KindSystemReady)
}
