// Package core provides the HTTP chassis for the GridRelay receiver.
// It creates a chi router and enforces cross-cutting concerns -- panic
// recovery, request correlation, logging, and timeouts -- before requests
// reach the webhook handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gridrelay/internal/config"
)

// defaultRedactedHeaders lists header names whose values are masked in
// request logs to prevent accidental leakage of tokens.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
}

// Server encapsulates the receiver's HTTP dependencies, allowing injection
// during testing and distinct configuration for different environments.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// HealthProbes are the critical dependencies (ledger DB, queue) checked
	// by GET /health.
	HealthProbes []HealthProbe

	// RouteRegistrars are invoked by MountRoutes to register handler routes.
	// This indirection avoids import cycles between core and handler packages.
	RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer initializes the chassis. The caller mounts routes via MountRoutes
// after registering handlers; the separation lets tests customize routing.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, handler routes, and the
// health endpoint.
//
// Middleware order matters:
//  1. Recoverer       - outermost, catches all panics.
//  2. ContextTimeout  - hard wall-clock budget for the whole request.
//  3. RequestID       - correlation ID for logs and event trace IDs.
//  4. RequestLogger   - structured logging with redacted headers.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	for _, registrar := range s.RouteRegistrars {
		registrar(s.router)
	}

	s.router.Get("/health", s.HandleHealth)
}

// requestTimeout returns the configured hard request budget.
func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return 25 * time.Second
}

// ContextTimeoutMiddleware sets a deadline on the request context. If ledger
// or queue work cannot complete within it, handlers observe the cancelled
// context and fail the request so the upstream sender retries, rather than
// hanging the caller.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
