package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	reconciliations  *prometheus.CounterVec
	reconcileLatency prometheus.Histogram
	conflictRetries  prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dentara_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dentara_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dentara_ledger_reconciliations_total",
		Help: "Transaction payloads applied, by outcome.",
	}, []string{"outcome"})
	reconcileLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dentara_ledger_reconciliation_duration_seconds",
		Help:    "End to end duration of applying a transaction payload.",
		Buckets: prometheus.DefBuckets,
	})
	conflictRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dentara_ledger_conflict_retries_total",
		Help: "Reconciliation attempts retried after a lost-update conflict.",
	})
	registry.MustRegister(requests, duration, reconciliations, reconcileLatency, conflictRetries)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		reconciliations:  reconciliations,
		reconcileLatency: reconcileLatency,
		conflictRetries:  conflictRetries,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveReconciliation records one completed payload application.
func (m *Metrics) ObserveReconciliation(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
	m.reconcileLatency.Observe(seconds)
}

// IncReconciliationConflict counts a retried lost-update conflict.
func (m *Metrics) IncReconciliationConflict() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for registering custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
