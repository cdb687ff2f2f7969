package eventbus

import (
	"context"
	"sync"
)

// Closer is anything that can be closed as part of a service shutdown.
type Closer interface {
	Close()
}

// ServiceLifecycle bundles a service context, subscriptions to close on
// shutdown and tracked worker goroutines.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []Closer
	wg   sync.WaitGroup
}

// Start derives the service context from ctx.
func (l *ServiceLifecycle) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// Context returns the active service context.
func (l *ServiceLifecycle) Context() context.Context {
	return l.ctx
}

// AddSubscriptions registers subscriptions closed by Stop.
func (l *ServiceLifecycle) AddSubscriptions(subs ...Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			l.subs = append(l.subs, sub)
		}
	}
}

// Go runs worker on a tracked goroutine with the service context.
func (l *ServiceLifecycle) Go(worker func(ctx context.Context)) {
	if worker == nil {
		return
	}
	l.wg.Add(1)
	go func(ctx context.Context) {
		defer l.wg.Done()
		worker(ctx)
	}(l.ctx)
}

// Stop cancels the service context and closes tracked subscriptions.
func (l *ServiceLifecycle) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Wait blocks until all workers return or ctx is done.
func (l *ServiceLifecycle) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown is Stop followed by Wait.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	l.Stop()
	return l.Wait(ctx)
}
