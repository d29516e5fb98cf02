// Package ops serves the operational endpoints of long-running processes:
// GET /healthz for liveness and dependency probes and GET /metrics for
// Prometheus scraping.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskreports/internal/config"
	"taskreports/internal/logging"
)

// Server is the ops HTTP server.
type Server struct {
	router *chi.Mux
	http   *http.Server
	probes []HealthProbe
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithProbes registers health probes.
func WithProbes(probes ...HealthProbe) Option {
	return func(s *Server) { s.probes = append(s.probes, probes...) }
}

// WithGatherer exposes g on /metrics. Without it /metrics is not mounted,
// which is the case for the CloudWatch and no-op metric backends.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.router.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
}

// NewServer builds the router. addr is the listen address, e.g. ":9090".
func NewServer(addr string, build config.BuildInfo, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{router: chi.NewRouter(), logger: logging.OrDefault(logger)}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, build)
	})
	for _, opt := range opts {
		opt(s)
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}
