package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/learnhub/keystone/pkg/api"
	"github.com/learnhub/keystone/pkg/async"
	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/config"
	"github.com/learnhub/keystone/pkg/console"
	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/ratelimit"
	"github.com/learnhub/keystone/pkg/registry"
	"github.com/learnhub/keystone/pkg/storage"
	"github.com/learnhub/keystone/pkg/superadmin"
)

var version = "dev"

func main() {
	usage := flag.Bool("usage", false, "Print the recognized KEYSTONE_* environment variables and exit")
	flag.Parse()

	if *usage {
		if err := config.Usage(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("keystone exited")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, cfg.OTel, logger)
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, cfg.DB.Connection())
	if err != nil {
		return err
	}
	logger.Info("Connected to database")

	if cfg.DB.Migrate {
		if err := migrate(ctx, db, logger); err != nil {
			db.Close()
			return err
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = storage.OpenRedis(ctx, cfg.Redis.Connection())
		if err != nil {
			db.Close()
			return err
		}
		logger.Info("Connected to redis")
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	otelMetrics, err := observability.NewOTelMetrics(otel.GetMeterProvider())
	if err != nil {
		db.Close()
		return err
	}
	metrics := observability.NewMetrics(promRegistry).WithOTel(otelMetrics)

	engineOpts := []authz.Option{authz.WithLogger(logger), authz.WithMetrics(metrics)}
	if cache := decisionCache(cfg, redisClient); cache != nil {
		engineOpts = append(engineOpts, authz.WithCache(cache))
		logger.WithField("backend", cache.Backend()).Info("Decision cache enabled")
	}

	platformRoles := registry.NewStore(db)
	orgRoles := orgroles.NewStore(db)
	superAdminRoles := superadmin.NewStore(db)
	ledger := superadmin.NewLedger(db)

	engine := authz.NewEngine(platformRoles, orgRoles, ledger, engineOpts...)

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		db.Close()
		return err
	}
	auditLogger := audit.NewMultiLogger(dbAudit, audit.NewLogrusLogger(logger))

	consoleService := console.New(superAdminRoles, ledger, engine,
		console.WithAuditLogger(auditLogger),
		console.WithLogger(logger),
		console.WithMetrics(metrics),
	)

	limiter := rateLimiter(ctx, cfg, redisClient)

	router := api.NewRouter(api.Dependencies{
		Authorizer:        engine,
		Invalidator:       engine,
		Console:           consoleService,
		OrganizationRoles: orgRoles,
		Audit:             auditLogger,
		AuditSearch:       dbAudit,
		Logger:            logger,
		Metrics:           metrics,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		RateLimiter:       limiter,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      otelhttp.NewHandler(router, "keystone"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	opsRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(opsRouter, observability.NewHealthChecker(db, redisClient, version))
	observability.RegisterMetricsEndpoint(opsRouter, promRegistry)
	opsServer := &http.Server{
		Addr:              cfg.Server.HealthAddr,
		Handler:           opsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(opsServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return auditLogger.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	async.SafeGoNoError(statsCtx, logger, 0, "db stats", func(ctx context.Context) {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.UpdateDBStats(db.Stats())
			}
		}
	})

	errCh := make(chan error, 2)
	go serve(server, "api", logger, errCh)
	go serve(opsServer, "health", logger, errCh)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	stopStats()
	if shutdownErr := shutdown.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	// The database outlives the shutdown functions, which may still write audit events.
	db.Close()
	return err
}

// rateLimiter picks the configured limiter, nil when rate limiting is off.
func rateLimiter(ctx context.Context, cfg *config.Config, client *redis.Client) ratelimit.Limiter {
	if cfg.RateLimit.Requests <= 0 {
		return nil
	}
	if cfg.RateLimit.Backend == "redis" && client != nil {
		return ratelimit.NewRedisLimiter(client, cfg.RateLimit.Limit(), cfg.Cache.Prefix)
	}
	local := ratelimit.NewLocalLimiter(cfg.RateLimit.Limit())
	local.StartCleanup(ctx)
	return local
}

func serve(server *http.Server, name string, logger logrus.FieldLogger, errCh chan<- error) {
	logger.WithFields(logrus.Fields{"server": name, "addr": server.Addr}).Info("Listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

func migrate(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	steps := []func(context.Context, *sql.DB, logrus.FieldLogger) error{
		registry.RunMigrations,
		orgroles.RunMigrations,
		superadmin.RunMigrations,
		audit.RunMigrations,
	}
	for _, step := range steps {
		if err := step(ctx, db, logger); err != nil {
			return err
		}
	}
	return nil
}

// decisionCache picks the configured cache backend, nil when caching is off.
func decisionCache(cfg *config.Config, client *redis.Client) authz.DecisionCache {
	if cfg.Cache.TTL <= 0 {
		return nil
	}
	if cfg.Cache.Backend == "redis" && client != nil {
		return authz.NewRedisCache(client, cfg.Cache.Prefix, cfg.Cache.TTL)
	}
	return authz.NewLRUCache(cfg.Cache.Size, cfg.Cache.TTL)
}
