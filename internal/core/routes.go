package core

import (
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultRequestTimeout is the soft deadline applied to request contexts. It
// sits below the server write timeout so handlers observe cancellation before
// the connection is torn down.
const defaultRequestTimeout = 10 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in
// request logs. Authorization carries the ingest token.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
}

// MountRoutes registers the global middleware chain, the authenticated /v1
// group, and the public health endpoint.
//
// Ordering:
//  1. Recoverer        - catches panics; outermost.
//  2. ContextTimeout   - soft deadline for downstream calls.
//  3. RequestID        - correlation ID for logs and responses.
//  4. SecurityHeaders  - present on every response, including errors.
//  5. RequestLogger    - structured logging with redacted headers.
//
// Ingest authentication applies only inside /v1; /health stays public for
// load balancer probes.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.IngestAuthMiddleware)
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

// requestTimeout derives the per-request deadline from the server write
// timeout, leaving a second for response serialization.
func (s *Server) requestTimeout() time.Duration {
	if wt := s.Config.Server.WriteTimeout; wt > time.Second {
		return wt - time.Second
	}
	return defaultRequestTimeout
}
