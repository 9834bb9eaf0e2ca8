// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health checks and graceful shutdown for keystone.
//
// # Logging
//
// Loggers are logrus loggers. RequestLogger stores a request-scoped logger
// carrying the request id in the context:
//
//	logger, _ := observability.NewLogger("info", "json", os.Stdout)
//	router.Use(observability.RequestLogger(logger))
//	observability.FromContext(r.Context(), logger).Info("handled")
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("organization", false, "wrong_tenant", elapsed)
//
// All Record* helpers accept a nil *Metrics so components can run without a
// registry in tests.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// The database is required for readiness; Redis only backs the shared
// decision cache and its loss reports "degraded".
package observability
