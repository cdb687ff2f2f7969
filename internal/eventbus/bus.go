package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus orchestrates topic-based publish/subscribe messaging.
type Bus struct {
	logger   *log.Logger
	mu       sync.RWMutex
	subs     map[Topic]map[uint64]*Subscription
	buffers  map[Topic]int
	policies map[Topic]DeliveryPolicy
	nextID   atomic.Uint64
}

var defaultBuffers = map[Topic]int{
	TopicBridgeState:      64,
	TopicBridgeHandshake:  16,
	TopicBridgeHeartbeat:  32,
	TopicBridgeStatus:     64,
	TopicActuatorEvent:    256,
	TopicActuatorPresence: 64,
	TopicHostLog:          256,
}

// New constructs a bus with default topic buffer sizes.
func New(opts ...BusOption) *Bus {
	bus := &Bus{
		logger:   log.Default(),
		subs:     make(map[Topic]map[uint64]*Subscription),
		buffers:  make(map[Topic]int, len(defaultBuffers)),
		policies: make(map[Topic]DeliveryPolicy),
	}
	for topic, size := range defaultBuffers {
		bus.buffers[topic] = size
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the buffer size for a given topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			size = 1
		}
		b.buffers[topic] = size
	}
}

// WithTopicPolicy overrides the delivery policy for a specific topic.
func WithTopicPolicy(topic Topic, policy DeliveryPolicy) BusOption {
	return func(b *Bus) {
		b.policies[topic] = policy
	}
}

func (b *Bus) publish(ctx context.Context, env Envelope) {
	if env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[env.Topic] {
		sub.deliver(ctx, env, b.logger)
	}
}

// Subscribe registers a raw subscriber for the given topic. A nil bus
// yields an already closed subscription.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		return closedSubscription()
	}

	cfg := subscriptionConfig{bufferSize: b.buffers[topic]}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription{
		topic:  topic,
		id:     b.nextID.Add(1),
		name:   cfg.name,
		ch:     make(chan Envelope, cfg.bufferSize),
		done:   make(chan struct{}),
		bus:    b,
		policy: policyFor(topic, b.policies),
	}
	if sub.policy.Strategy == StrategyOverflow {
		sub.startOverflow()
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	if cfg.ctx != nil {
		go func() {
			select {
			case <-cfg.ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub
}

// Shutdown closes all subscriptions. A nil bus is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.closeLocked()
		}
		delete(b.subs, topic)
	}
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
}

// WithSubscriptionBuffer overrides the channel buffer for a subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName records a human friendly identifier used in logs.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// WithContext closes the subscription when ctx is cancelled.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

// Subscription represents a consumer listening to a topic.
type Subscription struct {
	topic Topic
	id    uint64
	name  string
	ch    chan Envelope
	done  chan struct{}

	bus     *Bus
	closed  atomic.Bool
	dropped atomic.Uint64
	policy  DeliveryPolicy

	ovf       *overflowBuffer
	ovfCancel context.CancelFunc
}

func closedSubscription() *Subscription {
	sub := &Subscription{ch: make(chan Envelope), done: make(chan struct{})}
	close(sub.ch)
	close(sub.done)
	sub.closed.Store(true)
	return sub
}

// C exposes the event channel.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Dropped reports how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription and closes the channel.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stopOverflow()
	close(s.done)

	if s.bus == nil {
		close(s.ch)
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.topic], s.id)
	close(s.ch)
}

func (s *Subscription) closeLocked() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stopOverflow()
	close(s.done)
	close(s.ch)
}

func (s *Subscription) startOverflow() {
	s.ovf = newOverflowBuffer(s.policy.MaxOverflow)
	ctx, cancel := context.WithCancel(context.Background())
	s.ovfCancel = cancel
	go s.ovf.drainLoop(ctx, s.ch)
}

func (s *Subscription) stopOverflow() {
	if s.ovfCancel != nil {
		s.ovfCancel()
	}
	if s.ovf != nil {
		<-s.ovf.done
	}
}

func (s *Subscription) deliver(ctx context.Context, env Envelope, logger *log.Logger) {
	if s.closed.Load() || ctx.Err() != nil {
		return
	}

	// Overflow subscribers always go through the ring so ordering holds.
	if s.ovf != nil {
		if !s.ovf.push(env) {
			s.dropOldestAndEnqueue(env, logger)
		}
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}

	if s.policy.Strategy == StrategyDropNewest {
		s.recordDrop(logger, "drop-newest")
		return
	}
	s.dropOldestAndEnqueue(env, logger)
}

func (s *Subscription) dropOldestAndEnqueue(env Envelope, logger *log.Logger) {
	select {
	case <-s.ch:
		s.recordDrop(logger, "drop-oldest")
	default:
	}

	select {
	case s.ch <- env:
	default:
		s.recordDrop(logger, "drop-current")
	}
}

func (s *Subscription) recordDrop(logger *log.Logger, reason string) {
	count := s.dropped.Add(1)
	if logger == nil {
		return
	}
	name := s.name
	if name == "" {
		name = "subscription"
	}
	logger.Printf("[eventbus] dropped event #%d for %s on topic %s (%s)", count, name, s.topic, reason)
}
