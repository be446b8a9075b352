package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, auth Authenticator, origins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", apiKeyHeader},
			MaxAge:         300,
		}))
	}

	// Health check and metrics (no auth required)
	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAPIKey(auth))

		r.Route("/domains", func(r chi.Router) {
			r.Post("/", h.CreateDomain)
			r.Get("/", h.ListDomains)

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetDomain)
				r.Delete("/", h.DeleteDomain)
				r.Get("/dns-records", h.GetDNSRecords)
				r.Post("/rotate-key", h.RotateSigningKey)

				r.Route("/mailboxes", func(r chi.Router) {
					r.Post("/", h.CreateMailbox)
					r.Get("/", h.ListMailboxes)
					r.Delete("/{local}", h.DeleteMailbox)
					r.Put("/{local}/password", h.UpdateMailboxPassword)
				})
			})
		})
	})

	return r
}
