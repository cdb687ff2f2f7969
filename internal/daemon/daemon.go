package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/bloom-nucleus/synapse/internal/bridge"
	"github.com/bloom-nucleus/synapse/internal/browser"
	"github.com/bloom-nucleus/synapse/internal/config"
	configstore "github.com/bloom-nucleus/synapse/internal/config/store"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
	"github.com/bloom-nucleus/synapse/internal/server"
	"github.com/bloom-nucleus/synapse/internal/transport"
	transportgateway "github.com/bloom-nucleus/synapse/internal/transport/gateway"
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Runtime config.Runtime
	Store   *configstore.Store

	// Identity is the bridge identity file. Empty uses the instance default.
	Identity string
	// Args are consulted for a profile id when the identity file has none.
	Args []string

	// Dialer overrides the transport selected by Runtime.
	Dialer transport.Dialer
	// HostLog receives host LOG_ENTRY lines. Nil drops them after logging.
	HostLog io.Writer
	// AllowedOrigins extends the origins accepted by the actuator endpoint.
	AllowedOrigins []string
}

// Daemon represents the bridge daemon process.
type Daemon struct {
	runtime       config.Runtime
	store         *configstore.Store
	manager       *bridge.Manager
	hub           *server.Hub
	components    *supervisor
	runtimeInfo   *RuntimeInfo
	instancePaths config.InstancePaths
	eventBus      *eventbus.Bus

	stopOnce sync.Once
	stopCh   chan struct{}

	errMu  sync.Mutex
	runErr error
}

// New creates a daemon bound to the provided store.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: configuration store is required")
	}
	rt := opts.Runtime
	if opts.Dialer == nil {
		if err := rt.Validate(); err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
	}

	paths := config.GetInstancePaths(rt.Instance)
	identity := opts.Identity
	if identity == "" {
		identity = paths.Identity
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = dialerFor(rt)
	}

	bus := eventbus.New()
	hub := server.NewHub(bus, server.AllowOrigins(opts.AllowedOrigins))
	router := bridge.NewRouter(browser.New(), hub)
	broadcaster := bridge.NewBroadcaster(opts.Store, bus, nil)

	manager, err := bridge.NewManager(bridge.Options{
		Config:      config.NewFileSource(identity, opts.Args),
		Dialer:      dialer,
		Policy:      policyFor(rt),
		Bus:         bus,
		Router:      router,
		Broadcaster: broadcaster,

		KeepaliveInterval: rt.KeepaliveInterval,
		Verbose:           rt.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: create bridge manager: %w", err)
	}

	runtimeInfo := &RuntimeInfo{pid: os.Getpid(), hostTransport: rt.Transport}
	control := server.NewControlServer(manager, hub)
	gateway := newGatewayService(control, transportgateway.Options{
		ControlAddress: rt.ControlAddress,
		HealthAddress:  rt.HealthAddress,
	}, runtimeInfo)

	shutdownTimeout := rt.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = constants.GracefulShutdownLimit
	}
	components := newSupervisor(shutdownTimeout)
	for _, nc := range []namedComponent{
		{componentObserver, newBridgeObserver(bus, opts.Store, manager, gateway.gateway, opts.HostLog)},
		{componentHub, newRunService(componentHub, func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		})},
		{componentGateway, gateway},
		{componentBridge, newRunService(componentBridge, manager.Run)},
	} {
		if err := components.add(nc.name, nc.c); err != nil {
			return nil, err
		}
	}

	return &Daemon{
		runtime:       rt,
		store:         opts.Store,
		manager:       manager,
		hub:           hub,
		components:    components,
		runtimeInfo:   runtimeInfo,
		instancePaths: paths,
		eventBus:      bus,
		stopCh:        make(chan struct{}),
	}, nil
}

func dialerFor(rt config.Runtime) transport.Dialer {
	if rt.Transport == config.TransportTCP {
		return transport.TCPDialer{Address: rt.HostAddress}
	}
	return transport.ProcessDialer{Path: config.ExpandPath(rt.HostPath), Args: rt.HostArgs}
}

func policyFor(rt config.Runtime) bridge.Policy {
	p := bridge.DefaultPolicy()
	if rt.BaseDelay > 0 {
		p.BaseDelay = rt.BaseDelay
	}
	if rt.MaxDelay > 0 {
		p.MaxDelay = rt.MaxDelay
	}
	if rt.MaxAttempts > 0 {
		p.MaxAttempts = rt.MaxAttempts
	}
	if rt.ConfigRetryDelay > 0 {
		p.ConfigRetryDelay = rt.ConfigRetryDelay
	}
	return p
}

// Start runs the daemon components and blocks until Shutdown is called
// or a component fails.
func (d *Daemon) Start() error {
	lock, err := acquireInstanceLock(d.instancePaths.Lock, os.Getpid())
	if err != nil {
		return err
	}
	defer lock.release()

	d.runtimeInfo.SetStartTime(time.Now())

	if err := d.components.start(context.Background()); err != nil {
		d.eventBus.Shutdown()
		return err
	}
	go d.watchFailures()

	if err := WriteRuntimeInfo(d.instancePaths.RunDir, d.runtimeInfo.Snapshot()); err != nil {
		log.Printf("[Daemon] runtime info not written: %v", err)
	}
	defer RemoveRuntimeInfo(d.instancePaths.RunDir)

	<-d.stopCh

	if err := d.components.stop(context.Background()); err != nil {
		log.Printf("[Daemon] shutdown: %v", err)
		d.setRunError(err)
	}

	d.eventBus.Shutdown()
	if err := d.store.Close(); err != nil {
		log.Printf("[Daemon] store close: %v", err)
	}

	return d.getRunError()
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	return nil
}

func (d *Daemon) watchFailures() {
	select {
	case err := <-d.components.failures():
		log.Printf("[Daemon] %v", err)
		d.setRunError(err)
		d.Shutdown()
	case <-d.stopCh:
	}
}

func (d *Daemon) setRunError(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// RuntimeInfo returns live runtime metadata.
func (d *Daemon) RuntimeInfo() *RuntimeInfo {
	return d.runtimeInfo
}

// Manager returns the bridge connection manager.
func (d *Daemon) Manager() *bridge.Manager {
	return d.manager
}

// Hub returns the actuator hub.
func (d *Daemon) Hub() *server.Hub {
	return d.hub
}
