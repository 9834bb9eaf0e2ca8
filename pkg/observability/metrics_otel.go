package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/learnhub/keystone"

// OTelMetrics mirrors the authorization metrics as OpenTelemetry instruments
// so they are exported over OTLP alongside traces.
type OTelMetrics struct {
	// Authorization metrics
	decisions        metric.Int64Counter
	decisionDuration metric.Float64Histogram

	// Decision cache metrics
	cacheLookups metric.Int64Counter
	cacheErrors  metric.Int64Counter

	// Grant ledger and reconciliation metrics
	ledgerOperations    metric.Int64Counter
	reconcileOperations metric.Int64Counter
}

// NewOTelMetrics creates the instruments on provider. Pass
// otel.GetMeterProvider() to use the globally installed provider.
func NewOTelMetrics(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter(meterName)

	m := &OTelMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter(
		"keystone.authz.decisions",
		metric.WithDescription("Authorization decisions by context and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.decisionDuration, err = meter.Float64Histogram(
		"keystone.authz.decision.duration",
		metric.WithDescription("Authorization decision latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"keystone.authz.cache.lookups",
		metric.WithDescription("Decision cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	m.cacheErrors, err = meter.Int64Counter(
		"keystone.authz.cache.errors",
		metric.WithDescription("Failed decision cache operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache errors counter: %w", err)
	}

	m.ledgerOperations, err = meter.Int64Counter(
		"keystone.superadmin.ledger.operations",
		metric.WithDescription("Super-admin grant ledger operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger operations counter: %w", err)
	}

	m.reconcileOperations, err = meter.Int64Counter(
		"keystone.reconcile.operations",
		metric.WithDescription("Reconciled items by entity and change"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile operations counter: %w", err)
	}

	return m, nil
}

// RecordDecision records an authorization decision
func (m *OTelMetrics) RecordDecision(ctx context.Context, authzContext, outcome, reason string, duration time.Duration) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("context", authzContext),
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	))
	m.decisionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("context", authzContext),
	))
}

// RecordCacheLookup records a decision cache hit or miss
func (m *OTelMetrics) RecordCacheLookup(ctx context.Context, backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("result", result),
	))
}

// RecordCacheError records a failed decision cache operation
func (m *OTelMetrics) RecordCacheError(ctx context.Context, backend, operation string) {
	m.cacheErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

// RecordLedgerOperation records a console grant, revoke or bootstrap
func (m *OTelMetrics) RecordLedgerOperation(ctx context.Context, operation, outcome string) {
	m.ledgerOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordReconcileOperation records one reconciled item
func (m *OTelMetrics) RecordReconcileOperation(ctx context.Context, entity, change string) {
	m.reconcileOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("change", change),
	))
}
