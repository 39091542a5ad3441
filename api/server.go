/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin frontends

SECURITY NOTE:
  No authentication middleware currently. Deployments front this with a
  gateway that handles JWT validation.

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
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/subsidies", func(r chi.Router) {
			r.Get("/", h.ListSubsidies)
			r.Post("/", h.CreateSubsidy)
			r.Get("/{uuid}", h.GetSubsidy)
			r.Get("/{uuid}/balance", h.GetBalance)
			r.Get("/{uuid}/transactions", h.GetTransactions)
			r.Get("/{uuid}/can-redeem", h.CanRedeem)
			r.Post("/{uuid}/redeem", h.Redeem)
			r.Post("/{uuid}/deposits", h.CreateDeposit)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/reverse", h.ReverseTransaction)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/unenrollment", h.HandleUnenrollment)
		})
	})

	return r
}
