// Package server runs the gRPC side of the decision service. It exposes the
// standard grpc.health.v1 service so supervisors and `impetus doctor` can
// probe the service without speaking the HTTP contract.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the decision service.
const ServiceName = "impetus.v1.Decision"

// Config holds gRPC server configuration.
type Config struct {
	Listen     string
	Provider   string
	ConfigHash string
}

// Server serves grpc.health.v1 for the decision service.
type Server struct {
	mu         sync.RWMutex
	configHash string
	reloadedAt time.Time
	cfg        Config
	logger     *slog.Logger

	health     *health.Server
	grpcServer *grpc.Server
}

// New creates a gRPC server reporting SERVING for ServiceName.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		configHash: cfg.ConfigHash,
		cfg:        cfg,
		logger:     logger,
		health:     health.NewServer(),
		grpcServer: grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(true)
	return s
}

// Serve starts the gRPC server on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.ServeOn(lis)
}

// ServeOn starts the gRPC server on the given listener.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("grpc health serving", "addr", lis.Addr().String(), "provider", s.cfg.Provider)
	return s.grpcServer.Serve(lis)
}

// GracefulStop reports NOT_SERVING and shuts the server down.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// SetServing flips the reported status of the decision service.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Reloaded records a config reload.
func (s *Server) Reloaded(hash string) {
	s.mu.Lock()
	s.configHash = hash
	s.reloadedAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("hot-reload: config reloaded", "hash", hash)
}

// ConfigHash returns the hash of the config currently in effect.
func (s *Server) ConfigHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configHash
}

// Check dials addr and returns the health status of ServiceName.
func Check(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %s: %w", addr, err)
	}
	return resp.GetStatus(), nil
}
