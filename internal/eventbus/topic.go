package eventbus

import (
	"context"
	"sync"
	"time"
)

// TopicDef binds a Topic to a payload type T at compile time.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef creates a typed topic descriptor.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// PublishOption customises the Envelope built by Publish.
type PublishOption func(*Envelope)

// WithTimestamp overrides the envelope timestamp.
func WithTimestamp(ts time.Time) PublishOption {
	return func(env *Envelope) { env.Timestamp = ts }
}

// WithCorrelationID sets the envelope correlation ID.
func WithCorrelationID(id string) PublishOption {
	return func(env *Envelope) { env.CorrelationID = id }
}

// Publish sends a typed payload on the bus. A nil bus is a no-op.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T, opts ...PublishOption) {
	if bus == nil {
		return
	}
	env := Envelope{Topic: td.topic, Source: source, Payload: payload}
	for _, opt := range opts {
		opt(&env)
	}
	bus.publish(ctx, env)
}

// TypedEnvelope is an Envelope with a typed payload.
type TypedEnvelope[T any] struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       T
}

// TypedSubscription delivers only payloads of type T; others are skipped.
type TypedSubscription[T any] struct {
	raw       *Subscription
	ch        chan TypedEnvelope[T]
	done      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

// SubscribeTo creates a typed subscription for td.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	ts := &TypedSubscription[T]{
		ch:   make(chan TypedEnvelope[T]),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	if bus == nil {
		close(ts.ch)
		close(ts.done)
		return ts
	}
	ts.raw = bus.Subscribe(td.topic, opts...)
	go ts.forward()
	return ts
}

// C returns the typed event channel.
func (ts *TypedSubscription[T]) C() <-chan TypedEnvelope[T] {
	return ts.ch
}

// Close stops forwarding and closes the underlying subscription. Safe to
// call more than once.
func (ts *TypedSubscription[T]) Close() {
	ts.closeOnce.Do(func() {
		close(ts.quit)
		if ts.raw != nil {
			ts.raw.Close()
		}
		<-ts.done
	})
}

func (ts *TypedSubscription[T]) forward() {
	defer close(ts.done)
	defer close(ts.ch)

	for env := range ts.raw.C() {
		payload, ok := env.Payload.(T)
		if !ok {
			continue
		}
		select {
		case ts.ch <- TypedEnvelope[T]{
			Topic:         env.Topic,
			Timestamp:     env.Timestamp,
			Source:        env.Source,
			CorrelationID: env.CorrelationID,
			Payload:       payload,
		}:
		case <-ts.quit:
			return
		}
	}
}
