// Package server implements the HTTP server for health checks, metrics and
// recording control.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker interface for checking component health.
type HealthChecker interface {
	Liveness() bool
	Readiness(ctx context.Context) bool
	IsHealthy() bool
	GetStatus() map[string]string
}

// Config selects the port and the paths the server answers on. An empty
// MetricsPath disables the metrics endpoint.
type Config struct {
	Port          int
	LivenessPath  string
	ReadinessPath string
	MetricsPath   string
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *slog.Logger
}

// NewServer creates a new HTTP server. ctrl may be nil, in which case the
// recording endpoints are not registered.
func NewServer(
	cfg Config,
	healthChecker HealthChecker,
	ctrl Controller,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	logger = logger.With("component", "http")
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = "/health/live"
	}
	if cfg.ReadinessPath == "" {
		cfg.ReadinessPath = "/health/ready"
	}

	r := mux.NewRouter()
	r.HandleFunc(cfg.LivenessPath, LivenessHandler(healthChecker, logger)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc(cfg.ReadinessPath, ReadinessHandler(healthChecker, logger)).Methods(http.MethodGet, http.MethodHead)
	if cfg.MetricsPath != "" && registry != nil {
		r.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if ctrl != nil {
		api := r.PathPrefix("/recording").Subrouter()
		api.HandleFunc("/status", StatusHandler(ctrl, logger)).Methods(http.MethodGet)
		api.HandleFunc("/flush", FlushHandler(ctrl, logger)).Methods(http.MethodPost)
		api.HandleFunc("/rotate", RotateHandler(ctrl, logger)).Methods(http.MethodPost)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		router: r,
		logger: logger,
	}
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Binding errors are
// returned; errors while serving are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down server", "error", err)
		return err
	}
	return nil
}
