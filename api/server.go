/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions for the report engine's control surface. The API exists to
  observe and trigger the pipeline; the pipeline itself never depends on
  this package.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Dashboard origin access

ROUTES:
  GET  /api/status          Current run status
  POST /api/run             Manual trigger (X-API-Key required)
  GET  /api/history         Recent execution records
  GET  /api/summary/latest  Last published weekly summary

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/run", h.TriggerRun)
		r.Get("/history", h.GetHistory)
		r.Get("/summary/latest", h.GetLatestSummary)
	})

	return r
}
