package observability

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordDecision("organization", false, "wrong_tenant", time.Millisecond)
	m.RecordDecision("organization", true, "", time.Millisecond)
	m.RecordCacheLookup("lru", true)
	m.RecordCacheLookup("lru", false)
	m.RecordCacheError("redis", "get")
	m.RecordReconcileRun(nil, time.Second)
	m.RecordReconcileRun(errors.New("boom"), time.Second)
	m.RecordReconcileOperation("system_role", "created")
	m.RecordLedgerOperation("grant", "allowed")
	m.UpdateDBStats(sql.DBStats{InUse: 3, Idle: 2, WaitCount: 7})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("organization", "deny", "wrong_tenant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("organization", "allow", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("lru")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("lru")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheErrorsTotal.WithLabelValues("redis", "get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileRunsTotal.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileOperationsTotal.WithLabelValues("system_role", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerOperationsTotal.WithLabelValues("grant", "allowed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DBConnectionsActive))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DBConnectionsWaitCount))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision("platform", true, "", time.Millisecond)
		m.RecordCacheLookup("lru", true)
		m.RecordCacheError("lru", "set")
		m.RecordReconcileRun(nil, time.Second)
		m.RecordReconcileOperation("x", "y")
		m.RecordLedgerOperation("grant", "denied")
		m.UpdateDBStats(sql.DBStats{})
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/v1/organizations/{org_id}/roles", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	RegisterMetricsEndpoint(router, registry)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/organizations/6/roles", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/organizations/{org_id}/roles", "418")))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "keystone_http_requests_total"))
}
