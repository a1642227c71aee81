// Package core provides the API chassis for the billing service.
// It creates a chi router that serves both standard HTTP (for local dev)
// and API Gateway HTTP API events (via LambdaHandler). It enforces
// cross-cutting concerns such as panic recovery, request logging and error
// rendering before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"repurpose/internal/config"
)

// Server encapsulates the dependencies of the HTTP API so tests can inject
// their own and environments can differ in configuration only.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	HealthChecks  []HealthCheck

	// Registration goes through funcs to keep core free of handler imports.
	//
	// PublicRouteRegistrars mount at the root without authentication (the
	// Stripe webhook). PublicV1RouteRegistrars mount under /v1 without
	// authentication (the plan catalog). V1RouteRegistrars mount under /v1
	// behind AuthMiddleware.
	PublicRouteRegistrars   []func(chi.Router)
	PublicV1RouteRegistrars []func(chi.Router)
	V1RouteRegistrars       []func(chi.Router)

	// Closers run on Shutdown in registration order (database pool, etc).
	Closers []func()

	router *chi.Mux
}

// NewServer creates a Server. The caller mounts routes with MountRoutes
// after filling in registrars and optional collaborators.
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

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for _, closeFn := range s.Closers {
		closeFn()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
