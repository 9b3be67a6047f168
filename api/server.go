/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Metrics:    Prometheus request count and latency
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/indexes/*        Adjustment indexes
  /api/contracts/*      Contracts, periods, payments, adjustments
  /api/ledgers/*        Ledger payments
  /api/payments/*       Payment deletion
  /api/groups/*         Group alerts, batch distribution, templates
  /api/distribution/*   Stateless distribution steps
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /health               Liveness probe
  /                     Endpoint index

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - metrics.go: Collectors and middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAllowedOrigins is used when no CORS origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Index routes
		r.Route("/indexes", func(r chi.Router) {
			r.Post("/", h.SaveIndex)
			r.Delete("/{id}", h.DeleteIndex)
		})

		// Contract routes
		r.Route("/contracts", func(r chi.Router) {
			r.Post("/", h.CreateContract)
			r.Get("/{id}", h.GetContract)
			r.Delete("/{id}", h.DeleteContract)
			r.Post("/{id}/periods", h.OpenPeriod)
			r.Get("/{id}/preview", h.GetPreview)
			r.Post("/{id}/periods/{month}/payments", h.RecordPayment)
			r.Post("/{id}/adjustments", h.ApplyAdjustment)
			r.Delete("/{id}/adjustments/{month}", h.UndoAdjustment)
		})

		r.Get("/ledgers/{id}/payments", h.ListPayments)
		r.Delete("/payments/{id}", h.DeletePayment)

		// Group routes
		r.Route("/groups/{id}", func(r chi.Router) {
			r.Get("/contracts", h.ListContracts)
			r.Get("/alerts", h.GetAlerts)
			r.Post("/adjustments/apply-due", h.ApplyDue)
			r.Get("/periods/{period}/ledgers", h.PeriodLedgers)
			r.Post("/batches", h.SubmitBatch)
			r.Get("/templates", h.ListTemplates)
			r.Post("/templates", h.SaveTemplate)
		})

		r.Post("/distribution/edit", h.EditDistribution)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Rent Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Rent Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/scenarios">/api/scenarios</a> - List demo scenarios</li>
<li><a href="/health">/health</a> - Liveness</li>
<li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
</ul>
</body>
</html>`))
	})

	return r
}
