package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bloom-nucleus/synapse/internal/clock"
	"github.com/bloom-nucleus/synapse/internal/config"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
	"github.com/bloom-nucleus/synapse/internal/protocol"
	"github.com/bloom-nucleus/synapse/internal/sanitize"
	"github.com/bloom-nucleus/synapse/internal/transport"
)

// Options configures a Manager.
type Options struct {
	Config      config.Source
	Dialer      transport.Dialer
	Policy      Policy
	Clock       clock.Clock
	Rand        func() float64 // jitter source in [0, 1); nil uses math/rand/v2
	Bus         *eventbus.Bus
	Router      *Router
	Broadcaster *Broadcaster

	// KeepaliveInterval enables bridge-initiated heartbeats while
	// CONNECTED. Zero disables them.
	KeepaliveInterval time.Duration

	// Verbose logs every inbound and outbound message.
	Verbose bool
}

// Manager owns the host channel and its state machine. All state lives on
// one loop goroutine; timers, channel readers and callers post closures to
// it. Events carry the channel or timer generation they were created for
// and are ignored once that generation is gone.
type Manager struct {
	opts   Options
	policy Policy
	clock  clock.Clock

	queue   chan func()
	stopped chan struct{}
	runOnce sync.Once
	ctx     context.Context

	status atomic.Pointer[Status]

	// Loop-owned from here on.
	cfg       *config.BridgeConfig
	cfgErr    error
	state     State
	attempt   int
	channel   transport.Channel
	gen       uint64
	reconnect *clock.Timer
	timerGen  uint64
	hs        handshake
	hb        heartbeatMonitor
	pending   *pendingRequests
	changedAt time.Time
}

// NewManager validates opts and returns a manager in DISCONNECTED. Call Run
// to start it.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("bridge: config source is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("bridge: dialer is required")
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.KeepaliveInterval < 0 {
		return nil, errors.New("bridge: keepalive interval must not be negative")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Router == nil {
		opts.Router = NewRouter(nil, nil)
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(nil, opts.Bus, opts.Clock)
	}

	m := &Manager{
		opts:    opts,
		policy:  opts.Policy,
		clock:   opts.Clock,
		queue:   make(chan func(), 256),
		stopped: make(chan struct{}),
		state:   StateDisconnected,
		pending: newPendingRequests(),
	}
	m.publishStatus()
	return m, nil
}

// Run connects and processes events until ctx is cancelled. It may be
// called once.
func (m *Manager) Run(ctx context.Context) error {
	started := false
	m.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("bridge: manager already running")
	}

	m.ctx = ctx
	defer close(m.stopped)

	pageEvents := eventbus.SubscribeTo(m.opts.Bus, eventbus.Actuators.Event,
		eventbus.WithSubscriptionName("bridge-page-events"))
	defer pageEvents.Close()

	pageCh := pageEvents.C()

	log.Printf("[Bridge] manager started (max attempts %d, keepalive %s)", m.policy.MaxAttempts, m.opts.KeepaliveInterval)
	m.connect()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case fn := <-m.queue:
			fn()
		case env, ok := <-pageCh:
			if !ok {
				pageCh = nil
				continue
			}
			if err := m.forwardEvent(env.Payload); err != nil {
				log.Printf("[Bridge] page event from %s dropped: %v", env.Payload.Sender.ActuatorID, err)
			}
		}
	}
}

// post schedules fn on the loop. It never blocks the loop itself and
// returns false once the manager stopped.
func (m *Manager) post(fn func()) bool {
	select {
	case m.queue <- fn:
		return true
	case <-m.stopped:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !m.post(func() { fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect asks the loop to connect now. It is a no-op while connected,
// connecting or FAILED.
func (m *Manager) Connect() {
	m.post(m.connect)
}

// Status returns the latest status. Safe from any goroutine.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// CheckStatus answers the synchronous check-status request.
func (m *Manager) CheckStatus() CheckResult {
	return m.Status().Check()
}

// Send writes out through the guarded send.
func (m *Manager) Send(ctx context.Context, out protocol.Outbound) error {
	var err error
	if doErr := m.do(ctx, func() { err = m.send(out) }); doErr != nil {
		return doErr
	}
	return err
}

// ForwardEvent sends a page event to the host after enriching it with
// sender context. It fails with ErrNotConnected unless CONNECTED.
func (m *Manager) ForwardEvent(ctx context.Context, event eventbus.PageEvent) error {
	var err error
	if doErr := m.do(ctx, func() { err = m.forwardEvent(event) }); doErr != nil {
		return doErr
	}
	return err
}

// Request sends a correlated command to the host and waits for its
// RESPONSE payload. Without a ctx deadline HostRequestTimeout applies. If
// the channel goes away first the request fails with a ConnectError
// wrapping ErrConnectionLost.
func (m *Manager) Request(ctx context.Context, kind protocol.Kind, target string, payload any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constants.HostRequestTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	var (
		req     *PendingRequest
		sendErr error
	)
	if err := m.do(ctx, func() {
		if ctx.Err() != nil {
			sendErr = ctx.Err()
			return
		}
		if m.state != StateConnected || m.channel == nil {
			sendErr = ErrNotConnected
			return
		}
		req = m.pending.add(id, m.clock.Now())
		if sendErr = m.send(protocol.NewRequest(kind, id, target, payload)); sendErr != nil {
			m.pending.forget(id)
		}
	}); err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, sendErr
	}

	select {
	case res := <-req.reply:
		return res.payload, res.err
	case <-ctx.Done():
		m.post(func() { m.pending.forget(id) })
		select {
		case res := <-req.reply:
			return res.payload, res.err
		default:
		}
		return nil, fmt.Errorf("bridge: request %s %s: %w", kind, id, ctx.Err())
	case <-m.stopped:
		return nil, ErrStopped
	}
}

// connect runs on the loop.
func (m *Manager) connect() {
	switch {
	case m.state == StateFailed:
		log.Printf("[Bridge] connect ignored: %v", ErrExhaustedRetries)
		return
	case m.state == StateConnecting:
		return
	case m.state == StateConnected && m.channel != nil:
		return
	}
	m.cancelReconnect()

	cfg, err := m.opts.Config.Load()
	if err != nil {
		m.cfgErr = err
		log.Printf("[Bridge] %v; retrying in %s", err, m.policy.ConfigRetryDelay)
		m.publishStatus()
		m.broadcast(protocol.KindConnectionUpdate)
		m.scheduleReconnect(m.policy.ConfigRetryDelay)
		return
	}
	m.cfgErr = nil
	if m.cfg == nil || *m.cfg != cfg {
		m.cfg = &cfg
		m.broadcastConfig()
	}

	m.gen++
	gen := m.gen
	m.setState(StateConnecting)

	ctx := m.ctx
	go func() {
		ch, err := m.opts.Dialer.Dial(ctx)
		if !m.post(func() { m.onDialed(gen, ch, err) }) && ch != nil {
			ch.Close()
		}
	}()
}

func (m *Manager) onDialed(gen uint64, ch transport.Channel, err error) {
	if gen != m.gen || m.state != StateConnecting {
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		log.Printf("[Bridge] %v", &ConnectError{Attempt: m.attempt, Err: err})
		m.setState(StateDisconnected)
		m.retry()
		return
	}

	m.channel = ch
	m.hs = handshake{}
	m.setState(StateConnected)
	log.Printf("[Bridge] channel open (generation %d)", gen)

	go m.readLoop(gen, ch)

	m.sendHello()
	m.startKeepalive()
}

func (m *Manager) readLoop(gen uint64, ch transport.Channel) {
	for frame := range ch.Frames() {
		if !m.post(func() { m.onFrame(gen, frame) }) {
			return
		}
	}
	m.post(func() { m.onDisconnect(gen, ch.Err()) })
}

func (m *Manager) onFrame(gen uint64, frame []byte) {
	if gen != m.gen || m.channel == nil {
		return
	}
	if m.opts.Verbose {
		log.Printf("[Bridge] <<< %s", frame)
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		var decErr *protocol.DecodeError
		var id string
		var rawID json.RawMessage
		if errors.As(err, &decErr) {
			id, rawID = decErr.ID, decErr.RawID
		}
		perr := &ProtocolError{ID: id, Reason: err.Error()}
		log.Printf("[Router] %v", perr)
		if id != "" {
			m.sendQuiet(protocol.NewErrorResponse(rawID, perr))
		}
		return
	}

	switch msg.Kind {
	case protocol.KindSystemAck, protocol.KindSystemReady:
		m.completeHandshake(msg)
	case protocol.KindHeartbeat:
		m.onHeartbeat(msg)
	case protocol.KindHeartbeatAck:
		m.hb.acked++
	case protocol.KindResponse:
		if !m.pending.resolve(msg.ID, msg.Payload) {
			log.Printf("[Router] RESPONSE for unknown request %q", msg.ID)
		}
	case protocol.KindLogEntry:
		m.onHostLog(msg)
	default:
		m.dispatch(gen, msg)
	}
}

// dispatch runs the router off the loop so slow scripts or actuators do
// not stall heartbeats. The reply is sent back through the loop on the same
// channel generation.
func (m *Manager) dispatch(gen uint64, msg protocol.Message) {
	if !m.opts.Router.Handles(msg.Kind) {
		perr := &ProtocolError{Kind: msg.Kind, ID: msg.ID, Reason: "unknown command"}
		log.Printf("[Router] %v", perr)
		if msg.ID != "" {
			m.sendQuiet(protocol.NewErrorResponse(msg.RawID, perr))
		}
		return
	}

	ctx := m.ctx
	go func() {
		payload := m.opts.Router.Handle(ctx, msg)
		if msg.ID == "" {
			return
		}
		m.post(func() {
			if gen != m.gen {
				log.Printf("[Router] reply to %s %s dropped: channel replaced", msg.Kind, msg.ID)
				return
			}
			m.sendQuiet(protocol.NewResponse(msg.RawID, payload))
		})
	}()
}

func (m *Manager) onHostLog(msg protocol.Message) {
	level := eventbus.LogLevel(msg.Field("level").String())
	if level == "" {
		level = eventbus.LogLevelInfo
	}
	text := sanitize.LogLine(msg.Field("message").String(), constants.MaxLogLine)
	log.Printf("[Host] %s: %s", level, text)
	eventbus.Publish(m.ctx, m.opts.Bus, eventbus.Bridge.HostLog, eventbus.SourceBridgeManager, eventbus.HostLogEvent{
		Level:   level,
		Source:  msg.Field("source").String(),
		Message: text,
	})
}

func (m *Manager) onDisconnect(gen uint64, cause error) {
	if gen != m.gen || m.channel == nil {
		return
	}
	if cause == nil {
		cause = errors.New("channel closed")
	}
	log.Printf("[Bridge] channel lost: %v", cause)
	m.teardown(cause)
	m.setState(StateDisconnected)
	m.retry()
}

// teardown releases the channel and everything scoped to it.
func (m *Manager) teardown(cause error) {
	m.stopKeepalive()
	if m.channel != nil {
		m.channel.Close()
		m.channel = nil
	}
	m.gen++
	m.hs = handshake{}
	lost := &ConnectError{Attempt: m.attempt, Err: fmt.Errorf("%w: %v", ErrConnectionLost, cause)}
	if n := m.pending.rejectAll(lost); n > 0 {
		log.Printf("[Bridge] rejected %d pending request(s)", n)
	}
}

// retry follows a failed connect or a disconnect: either schedule the next
// attempt or give up.
func (m *Manager) retry() {
	if m.attempt >= m.policy.MaxAttempts {
		log.Printf("[Bridge] %v after %d attempts", ErrExhaustedRetries, m.attempt)
		m.cancelReconnect()
		m.setState(StateFailed)
		return
	}
	m.attempt++
	delay := m.policy.Delay(m.attempt, m.opts.Rand)
	log.Printf("[Bridge] reconnect attempt %d/%d in %s", m.attempt, m.policy.MaxAttempts, delay)
	m.publishStatus()
	m.scheduleReconnect(delay)
}

// scheduleReconnect replaces any pending reconnect timer.
func (m *Manager) scheduleReconnect(delay time.Duration) {
	m.cancelReconnect()
	m.timerGen++
	token := m.timerGen
	m.reconnect = m.clock.AfterFunc(delay, func() {
		m.post(func() {
			if token != m.timerGen {
				return
			}
			m.reconnect = nil
			m.connect()
		})
	})
}

func (m *Manager) cancelReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.timerGen++
}

func (m *Manager) shutdown() {
	m.cancelReconnect()
	if m.channel != nil {
		m.teardown(errors.New("bridge shutting down"))
	}
	if m.state != StateFailed {
		m.setState(StateDisconnected)
	}
	log.Printf("[Bridge] manager stopped")
}

// send is the guarded send: it refuses unless CONNECTED.
func (m *Manager) send(out protocol.Outbound) error {
	data, err := protocol.Encode(out)
	if err != nil {
		return err
	}
	return m.sendRaw(out.Type, data)
}

func (m *Manager) sendRaw(kind protocol.Kind, data []byte) error {
	if m.state != StateConnected || m.channel == nil {
		log.Printf("[Bridge] send %s dropped: %v (state %s)", kind, ErrNotConnected, m.state)
		return ErrNotConnected
	}
	if m.opts.Verbose {
		log.Printf("[Bridge] >>> %s", data)
	}
	if err := m.channel.Send(data); err != nil {
		log.Printf("[Bridge] send %s failed: %v", kind, err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// sendQuiet is send for paths where failure is already logged and
// recovery belongs to the disconnect handler.
func (m *Manager) sendQuiet(out protocol.Outbound) {
	_ = m.send(out)
}

func (m *Manager) forwardEvent(event eventbus.PageEvent) error {
	if m.state != StateConnected || m.channel == nil {
		return ErrNotConnected
	}
	data, err := protocol.EnrichEvent(event.Event, protocol.Sender{
		ActuatorID: event.Sender.ActuatorID,
		TabID:      event.Sender.TabID,
		URL:        event.Sender.URL,
	})
	if err != nil {
		return err
	}
	return m.sendRaw("EVENT", data)
}

func (m *Manager) setState(next State) {
	prev := m.state
	if prev == next {
		m.publishStatus()
		return
	}
	m.state = next
	m.changedAt = m.clock.Now()
	m.publishStatus()

	if m.opts.Verbose || next != StateConnecting {
		log.Printf("[Bridge] %s -> %s (attempt %d)", prev, next, m.attempt)
	}
	ev := eventbus.StateEvent{From: string(prev), To: string(next), Attempt: m.attempt}
	if next == StateFailed {
		ev.Err = ErrExhaustedRetries.Error()
	}
	eventbus.Publish(context.Background(), m.opts.Bus, eventbus.Bridge.State, eventbus.SourceBridgeManager, ev)
	m.broadcast(protocol.KindConnectionUpdate)
}

// publishStatus refreshes the atomically readable status.
func (m *Manager) publishStatus() {
	s := &Status{
		State:              m.state,
		Attempt:            m.attempt,
		HandshakeConfirmed: m.hs.completed,
		HostVersion:        m.hs.hostVersion,
		ChangedAt:          m.changedAt,
	}
	if m.cfg != nil {
		s.ProfileID = m.cfg.ProfileID
		s.LaunchID = m.cfg.LaunchID
		s.BridgeName = m.cfg.BridgeName
	}
	switch {
	case m.state == StateFailed:
		s.Err, s.ErrKind = ErrExhaustedRetries, ErrorKindExhausted
	case m.cfgErr != nil:
		s.Err, s.ErrKind = m.cfgErr, ErrorKindConfig
	}
	m.status.Store(s)
}

func (m *Manager) broadcast(command protocol.Kind) {
	_, err := m.opts.Broadcaster.PublishStatus(context.Background(), m.Status().Snapshot(command))
	logPublish(KeyBridgeStatus, err)
}

func (m *Manager) broadcastConfig() {
	_, err := m.opts.Broadcaster.PublishConfig(context.Background(), ConfigSnapshot{
		Register:     m.cfg.Register,
		Email:        m.cfg.Email,
		ProfileID:    m.cfg.ProfileID,
		ProfileAlias: m.cfg.ProfileAlias,
	})
	logPublish(KeyBridgeConfig, err)
}
