/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions. This
  is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     request logging
  2. Recoverer:  panic recovery (500 instead of crash)
  3. RequestID:  unique ID per request for tracing
  4. CORS:       cross-origin requests for a frontend

ROUTE GROUPS:
  /api/documents/*   submission and approval transitions
  /api/subjects/*    master data, balances, history
  /api/admin/*       manual grants/deductions, job triggers

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", h.SubmitDocument)
			r.Get("/{id}", h.GetDocument)
			r.Get("/{id}/audit", h.GetDocumentAudit)
			r.Post("/{id}/approve", h.ApproveDocument)
			r.Post("/{id}/reject", h.RejectDocument)
			r.Post("/{id}/cancel", h.CancelDocument)
			r.Post("/{id}/delegate", h.DelegateStep)
		})

		r.Route("/subjects", func(r chi.Router) {
			r.Get("/", h.ListSubjects)
			r.Post("/", h.CreateSubject)
			r.Get("/{id}", h.GetSubject)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/grants", h.ListGrants)
			r.Get("/{id}/usages", h.ListUsages)
			r.Post("/{id}/attendance", h.RecordAttendance)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/grants", h.CreateManualGrant)
			r.Post("/deductions", h.CreateManualDeduction)
			r.Post("/jobs/{name}/run", h.RunJob)
			r.Get("/jobs/{name}/runs/{date}", h.GetJobRun)
		})
	})

	return r
}
