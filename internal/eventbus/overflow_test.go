package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestOverflowRingIsFIFOAndBounded(t *testing.T) {
	ovf := newOverflowBuffer(3)

	for i := 0; i < 3; i++ {
		if !ovf.push(Envelope{CorrelationID: fmt.Sprint(i)}) {
			t.Fatalf("push %d should succeed", i)
		}
	}
	if ovf.push(Envelope{CorrelationID: "x"}) {
		t.Fatal("push into full ring should fail")
	}
	if ovf.len() != 3 {
		t.Fatalf("expected len 3, got %d", ovf.len())
	}

	for i := 0; i < 3; i++ {
		env, ok := ovf.pop()
		if !ok || env.CorrelationID != fmt.Sprint(i) {
			t.Fatalf("pop %d: got %q ok=%v", i, env.CorrelationID, ok)
		}
	}
	if _, ok := ovf.pop(); ok {
		t.Fatal("pop from empty ring should fail")
	}
}

func TestOverflowPreservesOrderUnderBurst(t *testing.T) {
	bus := New(WithTopicBuffer(TopicActuatorEvent, 2))
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicActuatorEvent)
	defer sub.Close()

	const total = 50
	for i := 0; i < total; i++ {
		bus.publish(context.Background(), Envelope{Topic: TopicActuatorEvent, CorrelationID: fmt.Sprint(i)})
	}

	for i := 0; i < total; i++ {
		select {
		case env := <-sub.C():
			if env.CorrelationID != fmt.Sprint(i) {
				t.Fatalf("event %d out of order: %q", i, env.CorrelationID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
	if sub.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", sub.Dropped())
	}
}
