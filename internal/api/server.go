package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/mirador-watchdog/internal/config"
	"github.com/miradorstack/mirador-watchdog/internal/services"
)

// Server wraps the gRPC server implementation and lifecycle helpers.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	health     *health.Server
	source     StatusSource
	listener   net.Listener
	logger     *slog.Logger
}

// NewServer constructs a gRPC server bound to the configured address.
func NewServer(cfg config.ServerConfig, source StatusSource, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	return NewServerOnListener(lis, cfg, source, logger, opts...), nil
}

// NewServerOnListener builds the server around an existing listener.
func NewServerOnListener(lis net.Listener, cfg config.ServerConfig, source StatusSource, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	grpcServer.RegisterService(&StatusServiceDesc, statusService{source: source})

	// The empty service name reports the watchdog itself; each monitored
	// service gets its own entry once SyncHealth runs.
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	if cfg.Reflection {
		reflection.Register(grpcServer)
	}
	grpc_prometheus.Register(grpcServer)

	return &Server{
		cfg:        cfg,
		grpcServer: grpcServer,
		health:     healthSrv,
		source:     source,
		listener:   lis,
		logger:     logger,
	}
}

// SyncHealth publishes one serving status per monitored service. An open
// breaker reports NOT_SERVING.
func (s *Server) SyncHealth(snap services.Snapshot) {
	for _, svc := range snap.Services {
		st := healthpb.HealthCheckResponse_SERVING
		if svc.BreakerOpen {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(svc.Name, st)
	}
}

// RunHealthSync refreshes health statuses on every interval until ctx is
// cancelled.
func (s *Server) RunHealthSync(ctx context.Context, interval time.Duration) error {
	if s.source == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.SyncHealth(s.source.Snapshot(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SyncHealth(s.source.Snapshot(ctx))
		}
	}
}

// Start serves incoming gRPC requests until Stop/Shutdown is invoked.
func (s *Server) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	s.logger.Info("gRPC server listening", slog.String("address", s.Address()))
	return s.grpcServer.Serve(s.listener)
}

// Shutdown attempts a graceful shutdown, falling back to Stop after timeout.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address (useful for tests).
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
