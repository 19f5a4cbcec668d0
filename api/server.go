// Package api serves the HTTP submission surface: submit, status,
// list-by-project, cancel, retry, metrics, and health. Every endpoint
// except the liveness probe and the Prometheus scrape requires the
// shared API key.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/config"
	"github.com/jomapps/taskd/lifecycle"
	"github.com/jomapps/taskd/metrics"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
)

// apiPrefix is the versioned base path of the JSON surface.
const apiPrefix = "/api/v1"

// Server is the HTTP API node.
type Server struct {
	cfg       config.Config
	store     store.Store
	broker    broker.Broker
	lifecycle *lifecycle.Manager
	router    *router.Router
	evaluator *metrics.Evaluator
	registry  *prometheus.Registry
	logger    *slog.Logger

	httpServer *http.Server
}

// NewServer wires the API node.
func NewServer(cfg config.Config, s store.Store, b broker.Broker, lm *lifecycle.Manager, r *router.Router, ev *metrics.Evaluator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(s, b, r, logger))

	srv := &Server{
		cfg:       cfg,
		store:     s,
		broker:    b,
		lifecycle: lm,
		router:    r,
		evaluator: ev,
		registry:  reg,
		logger:    logger,
	}
	srv.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.API.Host, fmt.Sprintf("%d", cfg.API.Port)),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the assembled HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Authenticated JSON surface.
	mux.HandleFunc("POST "+apiPrefix+"/tasks/submit", s.requireKey(s.handleSubmit))
	mux.HandleFunc("GET "+apiPrefix+"/tasks/metrics", s.requireKey(s.handleMetrics))
	mux.HandleFunc("GET "+apiPrefix+"/tasks/health", s.requireKey(s.handleHealth))
	mux.HandleFunc("GET "+apiPrefix+"/tasks/{id}/status", s.requireKey(s.handleStatus))
	mux.HandleFunc("POST "+apiPrefix+"/tasks/{id}/retry", s.requireKey(s.handleRetry))
	mux.HandleFunc("DELETE "+apiPrefix+"/tasks/{id}", s.requireKey(s.handleCancel))
	mux.HandleFunc("GET "+apiPrefix+"/projects/{projectId}/tasks", s.requireKey(s.handleListByProject))

	// Unauthenticated liveness probe and Prometheus scrape.
	mux.HandleFunc("GET "+apiPrefix+"/health", s.handleLiveness)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return s.logRequests(mux)
}

// Run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.API.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
