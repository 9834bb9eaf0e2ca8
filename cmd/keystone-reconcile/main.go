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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/config"
	"github.com/learnhub/keystone/pkg/console"
	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/reconcile"
	"github.com/learnhub/keystone/pkg/registry"
	"github.com/learnhub/keystone/pkg/storage"
	"github.com/learnhub/keystone/pkg/superadmin"
)

// Exit codes
const (
	exitFailure       = 1
	exitConfiguration = 2
)

var (
	manifest      = flag.String("manifest", "", "Manifest path or URI (file://, s3://). Defaults to KEYSTONE_RECONCILE_MANIFEST")
	watch         = flag.Bool("watch", false, "Re-apply whenever the manifest file changes")
	schedule      = flag.String("schedule", "", "Cron schedule for periodic re-application, e.g. \"@every 10m\"")
	bootstrapUser = flag.Int64("bootstrap-user", 0, "Grant the supreme super-admin role to this user if nobody holds it")
	bootstrapRole = flag.String("bootstrap-role", "owner", "Slug of the supreme role used by -bootstrap-user")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfiguration)
	}
	if *manifest != "" {
		cfg.Reconcile.Manifest = *manifest
	}
	if *watch {
		cfg.Reconcile.Watch = true
	}
	if *schedule != "" {
		cfg.Reconcile.Schedule = *schedule
	}
	if cfg.Reconcile.Manifest == "" {
		fmt.Fprintln(os.Stderr, "a manifest is required: pass -manifest or set KEYSTONE_RECONCILE_MANIFEST")
		os.Exit(exitConfiguration)
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfiguration)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("reconciliation failed")
		if storage.IsConfigurationError(err) {
			os.Exit(exitConfiguration)
		}
		os.Exit(exitFailure)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, cfg.OTel, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = observability.ShutdownOTel(shutdownCtx, providers, logger)
	}()

	db, err := storage.Open(ctx, cfg.DB.Connection())
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.DB.Migrate {
		if err := migrate(ctx, db, logger); err != nil {
			return err
		}
	}

	// Only a shared cache is worth purging from this process.
	var engineOpts []authz.Option
	if cfg.Redis.URL != "" && cfg.Cache.Backend == "redis" && cfg.Cache.TTL > 0 {
		client, err := storage.OpenRedis(ctx, cfg.Redis.Connection())
		if err != nil {
			return err
		}
		defer client.Close()
		engineOpts = append(engineOpts, authz.WithCache(authz.NewRedisCache(client, cfg.Cache.Prefix, cfg.Cache.TTL)))
	}

	promRegistry := prometheus.NewRegistry()
	otelMetrics, err := observability.NewOTelMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics(promRegistry).WithOTel(otelMetrics)
	engineOpts = append(engineOpts, authz.WithLogger(logger), authz.WithMetrics(metrics))

	platformRoles := registry.NewStore(db)
	orgRoles := orgroles.NewStore(db)
	superAdminRoles := superadmin.NewStore(db)
	ledger := superadmin.NewLedger(db)
	engine := authz.NewEngine(platformRoles, orgRoles, ledger, engineOpts...)

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}
	auditLogger := audit.NewMultiLogger(dbAudit, audit.NewLogrusLogger(logger))
	defer auditLogger.Close()

	source, err := reconcile.OpenSource(ctx, cfg.Reconcile.Manifest, cfg.Reconcile.S3)
	if err != nil {
		return storage.NewConfigurationError("manifest", cfg.Reconcile.Manifest, "%v", err)
	}

	reconciler := reconcile.NewReconciler(platformRoles, orgRoles, superAdminRoles,
		reconcile.WithInvalidator(engine),
		reconcile.WithAuditLogger(auditLogger),
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(metrics),
	)
	runner := reconcile.NewRunner(source, reconciler, logger)

	if err := runner.Run(ctx); err != nil {
		return err
	}

	if *bootstrapUser > 0 {
		c := console.New(superAdminRoles, ledger, engine,
			console.WithAuditLogger(auditLogger),
			console.WithLogger(logger),
			console.WithMetrics(metrics),
		)
		if err := bootstrap(ctx, c, *bootstrapUser, *bootstrapRole, logger); err != nil {
			return err
		}
	}

	if !cfg.Reconcile.Watch && cfg.Reconcile.Schedule == "" {
		return nil
	}
	return daemon(ctx, cfg, source, runner, promRegistry, logger)
}

// daemon keeps re-applying the manifest on file changes and on schedule until
// ctx is cancelled. Failed runs are logged and retried on the next trigger.
func daemon(ctx context.Context, cfg *config.Config, source reconcile.Source, runner *reconcile.Runner, promRegistry *prometheus.Registry, logger logrus.FieldLogger) error {
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Reconcile.Watch {
		fileSource, ok := source.(reconcile.FileSource)
		if !ok {
			return storage.NewConfigurationError("manifest", source.String(), "only local files can be watched")
		}
		g.Go(func() error {
			logger.WithField("path", fileSource.Path).Info("Watching manifest")
			return reconcile.Watch(ctx, fileSource.Path, cfg.Reconcile.Debounce, logger, runner.Run)
		})
	}

	if cfg.Reconcile.Schedule != "" {
		scheduler := reconcile.NewScheduler(logger)
		if err := scheduler.Add(cfg.Reconcile.Schedule, "reconcile", runner.Run); err != nil {
			return storage.NewConfigurationError("schedule", cfg.Reconcile.Schedule, "%v", err)
		}
		scheduler.Start(ctx)
		logger.WithField("schedule", cfg.Reconcile.Schedule).Info("Scheduled reconciliation")
		g.Go(func() error {
			<-ctx.Done()
			scheduler.Stop()
			return nil
		})
	}

	opsRouter := mux.NewRouter()
	observability.RegisterMetricsEndpoint(opsRouter, promRegistry)
	opsServer := &http.Server{
		Addr:              cfg.Server.HealthAddr,
		Handler:           opsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func bootstrap(ctx context.Context, c *console.Console, userID int64, roleSlug string, logger logrus.FieldLogger) error {
	grant, err := c.Bootstrap(ctx, userID, roleSlug)
	if errors.Is(err, console.ErrAlreadyBootstrapped) {
		logger.Info("Supreme role already granted, skipping bootstrap")
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"user_id": grant.UserID,
		"role":    roleSlug,
	}).Info("Supreme role bootstrapped")
	return nil
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
