package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// METRICS - Prometheus collectors served on /metrics
// =============================================================================

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rent_engine_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rent_engine_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	periodsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rent_engine_periods_opened_total",
		Help: "Ledger entries opened.",
	})

	paymentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rent_engine_payments_recorded_total",
		Help: "Payments recorded.",
	})

	adjustmentsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rent_engine_adjustments_applied_total",
		Help: "Rent adjustments applied, one by one or per group.",
	})

	batchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rent_engine_batches_submitted_total",
		Help: "Distribution batches submitted.",
	})
)

// MetricsMiddleware records request count and latency. Requests are labelled
// with the chi route pattern so IDs in the path do not create new series.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture status code
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
