package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds gRPC server configuration.
type Config struct {
	Address string
}

// ServiceBinder registers the services a process exposes.
type ServiceBinder interface {
	Register(s *grpc.Server)
}

// Server hosts the bound services next to a grpc health service that
// reports SERVING between Start and shutdown.
type Server struct {
	cfg    Config
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu   sync.Mutex
	addr net.Addr
}

// New constructs a Server. A nil binder exposes only the health service.
func New(cfg Config, binder ServiceBinder, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger,
	}
	if binder != nil {
		binder.Register(s.srv)
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start begins listening on the configured address and serves until ctx is
// canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()

	s.setServing(true)
	go func() {
		<-ctx.Done()
		s.Stop()
		_ = lis.Close()
	}()
	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.logger.Warn("grpc server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr is the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts down the server.
func (s *Server) Stop() {
	s.setServing(false)
	s.srv.GracefulStop()
}

func (s *Server) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}
