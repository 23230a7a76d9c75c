/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/expenses/*    Expense lifecycle and approvals
  /api/company/*     Tenant policy settings
  /api/rules/*       Approval rule administration
  /api/users/*       User directory
  /api/audit         Audit queries
  /api/dashboard/*   Aggregates
  /api/scenarios/*   Demo scenarios

SECURITY NOTE:
  No authentication middleware. Actor identity arrives via the
  X-Actor-Id / X-Actor-Role / X-Company-Id headers from an upstream
  gateway; handlers reject requests without them.

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
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-Actor-Id", "X-Actor-Role", "X-Company-Id",
		},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Expense routes
		r.Route("/expenses", func(r chi.Router) {
			r.Get("/", h.ListExpenses)
			r.Post("/", h.SubmitExpense)
			r.Get("/pending", h.ListPendingApprovals)
			r.Get("/{id}", h.GetExpense)
			r.Put("/{id}", h.UpdateExpense)
			r.Delete("/{id}", h.DeleteExpense)
			r.Post("/{id}/approve", h.ApproveExpense)
			r.Post("/{id}/reject", h.RejectExpense)
		})

		// Company settings routes
		r.Route("/company", func(r chi.Router) {
			r.Get("/", h.GetCompany)
			r.Put("/", h.UpdateCompany)
			r.Get("/categories", h.GetCategories)
			r.Put("/categories", h.UpdateCategories)
		})

		// Approval rule routes
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
		})

		// User directory routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
		})

		// Audit routes
		r.Get("/audit", h.QueryAudit)

		// Dashboard routes
		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/stats", h.GetDashboardStats)
		})

		r.Get("/currencies", h.ListCurrencies)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
