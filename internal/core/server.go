// Package core provides the HTTP chassis for the ContractFlow API.
// It creates a chi router, enforces cross-cutting concerns (panic recovery,
// request correlation, structured logging, ingest authentication) before
// requests reach domain handlers, and hosts the health check endpoint.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"contractflow/internal/config"
)

// Server bundles the dependencies of the ContractFlow HTTP surface, allowing
// injection during testing and distinct wiring per environment.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	// HealthProbes are executed by GET /health. Registered by the entry
	// point for whichever dependencies the deployment actually has.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handler routes under /v1. This
	// indirection avoids an import cycle between core and the handler
	// packages.
	V1RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer prepares the server for route mounting. The caller registers
// probes and route registrars, then calls MountRoutes.
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

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HTTPServer builds an http.Server with the configured address and timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         ":" + s.Config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.Config.Server.ReadTimeout,
		WriteTimeout: s.Config.Server.WriteTimeout,
	}
}
