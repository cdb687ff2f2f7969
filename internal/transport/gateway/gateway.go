// Package gateway runs the daemon's network listeners: the HTTP control
// surface and the gRPC health endpoint that reports handshake readiness.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/bloom-nucleus/synapse/internal/constants"
)

// Options configure the gateway. An empty address disables that listener.
type Options struct {
	ControlAddress string
	HealthAddress  string
	Handler        http.Handler

	// RegisterGRPC allows callers to register additional gRPC services on the shared server.
	RegisterGRPC func(*grpc.Server)
}

// ListenerInfo represents a single listener started by the gateway.
type ListenerInfo struct {
	Address string
	Port    int
}

// Info summarises the listeners exposed by the gateway.
type Info struct {
	HTTP ListenerInfo
	GRPC ListenerInfo
}

// Gateway orchestrates the HTTP and gRPC listeners exposed by the daemon.
type Gateway struct {
	opts Options

	mu           sync.RWMutex
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server
	errCh        chan error
	wg           sync.WaitGroup
	info         Info
}

// New constructs a Gateway.
func New(opts Options) *Gateway {
	return &Gateway{opts: opts, health: health.NewServer()}
}

// Start launches the configured listeners. It must not be called concurrently with Shutdown.
func (g *Gateway) Start(ctx context.Context) (*Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.httpListener != nil || g.grpcListener != nil {
		return nil, fmt.Errorf("gateway: already started")
	}

	var (
		httpListener net.Listener
		grpcListener net.Listener
		err          error
	)
	if g.opts.ControlAddress != "" {
		if g.opts.Handler == nil {
			return nil, fmt.Errorf("gateway: control address set without a handler")
		}
		httpListener, err = net.Listen("tcp", g.opts.ControlAddress)
		if err != nil {
			return nil, fmt.Errorf("gateway: listen http: %w", err)
		}
	}
	if g.opts.HealthAddress != "" {
		grpcListener, err = net.Listen("tcp", g.opts.HealthAddress)
		if err != nil {
			if httpListener != nil {
				_ = httpListener.Close()
			}
			return nil, fmt.Errorf("gateway: listen grpc: %w", err)
		}
	}

	g.errCh = make(chan error, 2)
	g.info = Info{}
	errCh := g.errCh

	if httpListener != nil {
		g.httpListener = httpListener
		g.httpServer = &http.Server{
			Handler:           g.opts.Handler,
			ReadHeaderTimeout: constants.Duration10Seconds,
		}
		g.info.HTTP = ListenerInfo{Address: httpListener.Addr().String(), Port: listenerPort(httpListener)}
		g.wg.Add(1)
		go g.serveHTTP(ctx, g.httpServer, httpListener)
	}

	if grpcListener != nil {
		grpcServer := grpc.NewServer()
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.health.SetServingStatus(constants.HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthpb.RegisterHealthServer(grpcServer, g.health)
		if g.opts.RegisterGRPC != nil {
			g.opts.RegisterGRPC(grpcServer)
		}
		g.grpcServer = grpcServer
		g.grpcListener = grpcListener
		g.info.GRPC = ListenerInfo{Address: grpcListener.Addr().String(), Port: listenerPort(grpcListener)}
		g.wg.Add(1)
		go g.serveGRPC(ctx, grpcServer, grpcListener)
	}

	go func(ch chan error) {
		g.wg.Wait()
		close(ch)
	}(errCh)

	infoCopy := g.info
	return &infoCopy, nil
}

// SetServing reports bridge readiness on the synapse.bridge health service.
func (g *Gateway) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(constants.HealthServiceName, st)
}

func (g *Gateway) serveHTTP(ctx context.Context, srv *http.Server, listener net.Listener) {
	defer g.wg.Done()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ControlShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Control] shutdown: %v", err)
		}
	}()

	log.Printf("[Control] listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		g.pushError(err)
	}
}

func (g *Gateway) serveGRPC(ctx context.Context, grpcServer *grpc.Server, listener net.Listener) {
	defer g.wg.Done()

	go func() {
		<-ctx.Done()
		stopGRPC(grpcServer)
	}()

	log.Printf("[Health] listening on %s", listener.Addr())
	if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, grpc.ErrServerStopped) && status.Code(err) != codes.Canceled {
		g.pushError(err)
	}
}

func stopGRPC(grpcServer *grpc.Server) {
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.GracefulShutdownLimit):
		grpcServer.Stop()
	}
}

func (g *Gateway) pushError(err error) {
	if err == nil {
		return
	}
	g.mu.RLock()
	ch := g.errCh
	g.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Shutdown stops all listeners and waits for goroutines to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	httpServer := g.httpServer
	grpcServer := g.grpcServer
	errCh := g.errCh
	started := g.httpListener != nil || g.grpcListener != nil
	g.httpListener = nil
	g.grpcListener = nil
	g.httpServer = nil
	g.grpcServer = nil
	g.mu.Unlock()

	if !started {
		return nil
	}

	g.health.Shutdown()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, constants.ControlShutdownTimeout)
		err := httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	if grpcServer != nil {
		stopGRPC(grpcServer)
	}

	g.wg.Wait()

	if errCh != nil {
		select {
		case err, ok := <-errCh:
			if ok && err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		default:
		}
	}
	return nil
}

// Errors exposes the gateway error channel (closed when the gateway stops).
func (g *Gateway) Errors() <-chan error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.errCh == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return g.errCh
}

// Info returns the last known listener info.
func (g *Gateway) Info() Info {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.info
}

func listenerPort(l net.Listener) int {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
