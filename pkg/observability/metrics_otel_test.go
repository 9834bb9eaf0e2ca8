package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestOTelMetrics(t *testing.T) (*OTelMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewOTelMetrics(provider)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestOTelMetrics_Instruments(t *testing.T) {
	m, reader := setupTestOTelMetrics(t)
	ctx := context.Background()

	m.RecordDecision(ctx, "organization", "deny", "wrong_tenant", 2*time.Millisecond)
	m.RecordDecision(ctx, "organization", "allow", "", time.Millisecond)
	m.RecordCacheLookup(ctx, "lru", true)
	m.RecordCacheError(ctx, "redis", "get")
	m.RecordLedgerOperation(ctx, "grant", "allowed")
	m.RecordReconcileOperation(ctx, "system_role", "created")

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["keystone.authz.decisions"]))
	assert.Equal(t, int64(1), sumOf(t, data["keystone.authz.cache.lookups"]))
	assert.Equal(t, int64(1), sumOf(t, data["keystone.authz.cache.errors"]))
	assert.Equal(t, int64(1), sumOf(t, data["keystone.superadmin.ledger.operations"]))
	assert.Equal(t, int64(1), sumOf(t, data["keystone.reconcile.operations"]))

	hist, ok := data["keystone.authz.decision.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}

func TestMetrics_WithOTelRecordsBoth(t *testing.T) {
	otelMetrics, reader := setupTestOTelMetrics(t)
	m := NewMetrics(prometheus.NewRegistry()).WithOTel(otelMetrics)

	m.RecordDecision("console", true, "", time.Millisecond)
	m.RecordCacheLookup("redis", false)
	m.RecordLedgerOperation("revoke", "denied")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("console", "allow", "")))

	data := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, data["keystone.authz.decisions"]))
	assert.Equal(t, int64(1), sumOf(t, data["keystone.authz.cache.lookups"]))
	assert.Equal(t, int64(1), sumOf(t, data["keystone.superadmin.ledger.operations"]))
}
