// Package metrics serves the operational HTTP surface: Prometheus
// scrapes plus the health and status probes.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fxcore/internal/core"
	"fxcore/pkg/telemetry"
)

// Server exposes /metrics, /health and /status on one port.
type Server struct {
	port   int
	logger core.ILogger
	hm     core.IHealthMonitor
	srv    *http.Server
}

func NewServer(port int, logger core.ILogger, hm core.IHealthMonitor) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
		hm:     hm,
	}
}

func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Metrics server listening", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := telemetry.GetGlobalMetrics()

	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
		"gauges": map[string]interface{}{
			"feed_connected":     m.GetFeedConnected(),
			"provider_connected": m.GetProviderConnected(),
			"dirty_users":        m.GetDirtyUsers(),
			"queue_depth":        m.GetQueueDepth(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	if s.hm != nil {
		status = s.hm.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
