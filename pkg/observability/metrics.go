package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec

	// Decision cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheErrorsTotal *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileRunsTotal       *prometheus.CounterVec
	ReconcileDuration        prometheus.Histogram
	ReconcileOperationsTotal *prometheus.CounterVec

	// Grant ledger metrics
	LedgerOperationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge

	otel *OTelMetrics
}

// WithOTel also records authorization, cache, ledger and reconcile metrics
// on the given OpenTelemetry instruments.
func (m *Metrics) WithOTel(otelMetrics *OTelMetrics) *Metrics {
	m.otel = otelMetrics
	return m
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keystone_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_authz_decisions_total",
				Help: "Total number of authorization decisions",
			},
			[]string{"context", "outcome", "reason"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keystone_authz_decision_duration_seconds",
				Help:    "Authorization decision latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"context"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_decision_cache_hits_total",
				Help: "Total number of decision cache hits",
			},
			[]string{"backend"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_decision_cache_misses_total",
				Help: "Total number of decision cache misses",
			},
			[]string{"backend"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_decision_cache_errors_total",
				Help: "Total number of decision cache errors",
			},
			[]string{"backend", "operation"},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_reconcile_runs_total",
				Help: "Total number of reconciliation runs",
			},
			[]string{"status"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keystone_reconcile_duration_seconds",
				Help:    "Reconciliation run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		ReconcileOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_reconcile_operations_total",
				Help: "Total number of reconciled items by entity and outcome",
			},
			[]string{"entity", "change"},
		),
		LedgerOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_superadmin_ledger_operations_total",
				Help: "Total number of super-admin grant ledger operations",
			},
			[]string{"operation", "outcome"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keystone_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keystone_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keystone_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.ReconcileRunsTotal,
		m.ReconcileDuration,
		m.ReconcileOperationsTotal,
		m.LedgerOperationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
	)

	return m
}

// RecordDecision records the outcome and latency of an authorization check.
// A nil receiver is a no-op.
func (m *Metrics) RecordDecision(authzContext string, allowed bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.DecisionsTotal.WithLabelValues(authzContext, outcome, reason).Inc()
	m.DecisionDuration.WithLabelValues(authzContext).Observe(duration.Seconds())
	if m.otel != nil {
		m.otel.RecordDecision(context.Background(), authzContext, outcome, reason, duration)
	}
}

// RecordCacheLookup records a decision cache hit or miss.
func (m *Metrics) RecordCacheLookup(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(backend).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(backend).Inc()
	}
	if m.otel != nil {
		m.otel.RecordCacheLookup(context.Background(), backend, hit)
	}
}

// RecordCacheError records a failed decision cache operation.
func (m *Metrics) RecordCacheError(backend, operation string) {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.WithLabelValues(backend, operation).Inc()
	if m.otel != nil {
		m.otel.RecordCacheError(context.Background(), backend, operation)
	}
}

// RecordReconcileRun records a finished reconciliation run.
func (m *Metrics) RecordReconcileRun(err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.ReconcileRunsTotal.WithLabelValues(status).Inc()
	m.ReconcileDuration.Observe(duration.Seconds())
}

// RecordReconcileOperation records one reconciled item.
func (m *Metrics) RecordReconcileOperation(entity, change string) {
	if m == nil {
		return
	}
	m.ReconcileOperationsTotal.WithLabelValues(entity, change).Inc()
	if m.otel != nil {
		m.otel.RecordReconcileOperation(context.Background(), entity, change)
	}
}

// RecordLedgerOperation records a console grant, revoke or bootstrap.
func (m *Metrics) RecordLedgerOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOperationsTotal.WithLabelValues(operation, outcome).Inc()
	if m.otel != nil {
		m.otel.RecordLedgerOperation(context.Background(), operation, outcome)
	}
}

// UpdateDBStats copies connection pool statistics into the gauges.
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled with the matched mux route template to keep label
// cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
