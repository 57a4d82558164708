// Package grpchealth exposes the aggregate health state over the standard
// gRPC health protocol, for kubelet-style probes.
package grpchealth

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fxcore/internal/core"
)

const defaultProbeInterval = 5 * time.Second

// Server polls the health manager and flips the gRPC serving status.
type Server struct {
	port     int
	hm       core.IHealthMonitor
	logger   core.ILogger
	interval time.Duration

	lis     net.Listener
	grpcSrv *grpc.Server
	health  *health.Server
	done    chan struct{}
}

func NewServer(port int, logger core.ILogger, hm core.IHealthMonitor) *Server {
	return &Server{
		port:     port,
		hm:       hm,
		logger:   logger.WithField("component", "grpc_health"),
		interval: defaultProbeInterval,
		done:     make(chan struct{}),
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen grpc health: %w", err)
	}
	s.lis = lis

	s.grpcSrv = grpc.NewServer()
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	s.refresh()

	go s.watch()
	go func() {
		s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := s.grpcSrv.Serve(lis); err != nil {
			s.logger.Error("gRPC health server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop() {
	close(s.done)
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
}

// Addr reports the bound address, useful when port 0 picked an ephemeral one.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.hm != nil && !s.hm.IsHealthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}
