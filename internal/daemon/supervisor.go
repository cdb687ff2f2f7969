package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Daemon components, in start order. The observer comes first so it sees
// the bridge's first state change; the bridge comes last so the control
// surface is reachable before the host is dialed.
const (
	componentObserver = "bridge_observer"
	componentHub      = "actuator_hub"
	componentGateway  = "transport_gateway"
	componentBridge   = "bridge"
)

// component is one long-running part of the daemon. Components that can
// fail after starting also expose Errors() <-chan error.
type component interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Phases reported by ComponentError.
const (
	PhaseStart = "start"
	PhaseRun   = "run"
	PhaseStop  = "stop"
)

// ComponentError names the daemon component that failed and when.
type ComponentError struct {
	Component string
	Phase     string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("daemon: %s %s: %v", e.Component, e.Phase, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

type namedComponent struct {
	name string
	c    component
}

// supervisor starts the daemon components in order and stops them in
// reverse. A failed start stops whatever already started. Run failures are
// forwarded on failures(); only the first pending one is kept.
type supervisor struct {
	stopTimeout time.Duration

	mu         sync.Mutex
	components []namedComponent
	running    []namedComponent
	cancel     context.CancelFunc
	failCh     chan error
}

func newSupervisor(stopTimeout time.Duration) *supervisor {
	return &supervisor{stopTimeout: stopTimeout, failCh: make(chan error, 1)}
}

func (s *supervisor) add(name string, c component) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("daemon: cannot add %s while running", name)
	}
	for _, nc := range s.components {
		if nc.name == name {
			return fmt.Errorf("daemon: component %s added twice", name)
		}
	}
	s.components = append(s.components, namedComponent{name: name, c: c})
	return nil
}

func (s *supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("daemon: components already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	components := append([]namedComponent(nil), s.components...)
	s.mu.Unlock()

	for _, nc := range components {
		if err := nc.c.Start(runCtx); err != nil {
			startErr := &ComponentError{Component: nc.name, Phase: PhaseStart, Err: err}
			log.Printf("[Daemon] %v; stopping started components", startErr)
			if stopErr := s.stop(context.Background()); stopErr != nil {
				log.Printf("[Daemon] rollback: %v", stopErr)
			}
			return startErr
		}
		s.mu.Lock()
		s.running = append(s.running, nc)
		s.mu.Unlock()
		s.forwardFailures(nc)
	}
	return nil
}

// stop shuts running components down in reverse start order. Each gets at
// most stopTimeout. All stop errors are returned joined.
func (s *supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	cancel := s.cancel
	s.running, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	for i := len(running) - 1; i >= 0; i-- {
		nc := running[i]
		stopCtx, done := s.stopContext(ctx)
		err := nc.c.Shutdown(stopCtx)
		done()
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, &ComponentError{Component: nc.name, Phase: PhaseStop, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (s *supervisor) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.stopTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.stopTimeout)
}

func (s *supervisor) failures() <-chan error {
	return s.failCh
}

func (s *supervisor) forwardFailures(nc namedComponent) {
	observable, ok := nc.c.(interface{ Errors() <-chan error })
	if !ok {
		return
	}
	ch := observable.Errors()
	if ch == nil {
		return
	}
	go func() {
		for err := range ch {
			if err == nil {
				continue
			}
			select {
			case s.failCh <- &ComponentError{Component: nc.name, Phase: PhaseRun, Err: err}:
			default:
			}
		}
	}()
}
