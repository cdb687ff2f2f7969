package daemon

import (
	"context"
	"errors"
	"sync"
)

// runService adapts a blocking run function to a daemon component: Start
// launches it, Shutdown cancels it and waits for it to return.
type runService struct {
	name string
	run  func(ctx context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	errCh  chan error
}

func newRunService(name string, run func(ctx context.Context) error) *runService {
	return &runService{name: name, run: run}
}

func (s *runService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("daemon: " + s.name + " already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.errCh = make(chan error, 1)

	go func(done chan struct{}, errCh chan error) {
		defer close(done)
		defer close(errCh)
		if err := s.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}(s.done, s.errCh)
	return nil
}

func (s *runService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *runService) Errors() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCh
}
