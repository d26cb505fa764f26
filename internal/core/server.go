// Package core provides the API chassis for the Breath of Now backend.
// It builds a chi router, applies the cross-cutting middleware (recovery,
// request IDs, logging, CORS, metrics, authentication, rate limiting) and
// exposes the registration points that domain handlers mount onto.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"breathofnow/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
// telemetry.Recorder satisfies it for both the Prometheus and CloudWatch
// backends.
type MetricsCollector interface {
	// RecordRequest records one completed request. endpoint is the matched
	// route pattern, never the raw path, to bound label cardinality.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server encapsulates all dependencies of the HTTP API, allowing for easy
// injection during testing.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	Validator      *Validator
	Metrics        MetricsCollector
	Authenticator  Authenticator
	RateLimitStore RateLimitStore
	HealthProbes   []HealthProbe

	// MetricsHandler is served at /metrics when non-nil.
	MetricsHandler http.Handler

	// V1RouteRegistrars mount domain handlers under /v1. Populated by main
	// to avoid import cycles between core and handler packages.
	V1RouteRegistrars []func(chi.Router)

	// OnShutdown hooks run in order during Shutdown.
	OnShutdown []func(ctx context.Context) error

	router *chi.Mux
}

// NewServer prepares the server for route mounting. The caller mounts routes
// with MountRoutes after filling in the optional dependencies.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router wrapped with response compression.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.router)
}

// Router returns the underlying chi.Mux for route registration and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs the registered hooks, continuing past failures so every
// resource gets a chance to close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, hook := range s.OnShutdown {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return errors.Join(errs...)
}
