package daemon

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/bloom-nucleus/synapse/internal/server"
	transportgateway "github.com/bloom-nucleus/synapse/internal/transport/gateway"
)

type gatewayService struct {
	gateway *transportgateway.Gateway
	info    *RuntimeInfo
}

func newGatewayService(control *server.ControlServer, opts transportgateway.Options, info *RuntimeInfo) *gatewayService {
	opts.Handler = control.Handler()
	return &gatewayService{
		gateway: transportgateway.New(opts),
		info:    info,
	}
}

func (s *gatewayService) Start(ctx context.Context) error {
	info, err := s.gateway.Start(ctx)
	if err != nil {
		return err
	}

	if s.info != nil {
		if info.HTTP.Port > 0 {
			s.info.SetControlAddress(info.HTTP.Address)
			log.Printf("[Daemon] control surface listening on http://%s", info.HTTP.Address)
		}
		if info.GRPC.Port > 0 {
			s.info.SetHealthAddress(info.GRPC.Address)
			log.Printf("[Daemon] gRPC health listening on %s", info.GRPC.Address)
		}
	}

	return nil
}

func (s *gatewayService) Shutdown(ctx context.Context) error {
	if err := s.gateway.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *gatewayService) Errors() <-chan error {
	return s.gateway.Errors()
}
