package console

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/superadmin"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) last() *audit.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE superadmin_roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'custom',
			is_default BOOLEAN NOT NULL DEFAULT 0,
			level INTEGER NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE superadmin_permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			module TEXT NOT NULL,
			action TEXT NOT NULL,
			group_name TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE superadmin_role_permissions (
			role_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			PRIMARY KEY (role_id, permission_id)
		);

		CREATE TABLE superadmin_role_grants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			assigned_by INTEGER NOT NULL,
			assigned_at TIMESTAMP NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			revoked_at TIMESTAMP,
			UNIQUE(user_id, role_id)
		);
	`)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	console *Console
	store   *superadmin.Store
	ledger  *superadmin.Ledger
	cache   *authz.LRUCache
	engine  *authz.Engine
	audit   *recordingAudit
	metrics *observability.Metrics

	supreme *superadmin.Role
	ops     *superadmin.Role
	support *superadmin.Role
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	db := setupTestDB(t)
	logger, _ := test.NewNullLogger()

	f := &fixture{
		store:   superadmin.NewStore(db),
		ledger:  superadmin.NewLedger(db),
		cache:   authz.NewLRUCache(100, time.Minute),
		audit:   &recordingAudit{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.engine = authz.NewEngine(nil, nil, f.ledger, authz.WithCache(f.cache), authz.WithLogger(logger))
	f.console = New(f.store, f.ledger, f.engine,
		WithAuditLogger(f.audit),
		WithLogger(logger),
		WithMetrics(f.metrics),
	)

	var err error
	f.supreme, _, err = f.store.EnsureRole(ctx, "super-admin", superadmin.RoleAttrs{Name: "Super Admin", Type: superadmin.RoleTypeSystem, Level: 0})
	require.NoError(t, err)
	f.ops, _, err = f.store.EnsureRole(ctx, "operations", superadmin.RoleAttrs{Name: "Operations", Level: 3})
	require.NoError(t, err)
	f.support, _, err = f.store.EnsureRole(ctx, "support", superadmin.RoleAttrs{Name: "Support", Level: 5})
	require.NoError(t, err)

	_, _, err = f.store.EnsurePermission(ctx, "users.view", superadmin.PermissionAttrs{Name: "View users", Module: "users", Action: "view"})
	require.NoError(t, err)
	require.NoError(t, f.store.SetRolePermissions(ctx, f.support.ID, []string{"users.view"}))

	return f
}

func (f *fixture) ledgerCount(operation, outcome string) float64 {
	return testutil.ToFloat64(f.metrics.LedgerOperationsTotal.WithLabelValues(operation, outcome))
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	grant, err := f.console.Bootstrap(ctx, 1, "super-admin")
	require.NoError(t, err)
	assert.True(t, grant.IsActive)
	assert.Equal(t, int64(1), grant.AssignedBy)

	event := f.audit.last()
	require.NotNil(t, event)
	assert.Equal(t, audit.EventTypeSuperAdminBootstrap, event.EventType)

	_, err = f.console.Bootstrap(ctx, 2, "super-admin")
	assert.ErrorIs(t, err, ErrAlreadyBootstrapped)
	assert.Equal(t, float64(1), f.ledgerCount("bootstrap", "success"))
	assert.Equal(t, float64(1), f.ledgerCount("bootstrap", "denied"))
}

func TestBootstrap_RequiresSupremeRole(t *testing.T) {
	f := newFixture(t)

	_, err := f.console.Bootstrap(context.Background(), 1, "support")
	assert.Error(t, err)

	_, err = f.console.Bootstrap(context.Background(), 1, "missing")
	assert.ErrorIs(t, err, superadmin.ErrRoleNotFound)
}

func TestGrant_LevelRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.console.Bootstrap(ctx, 1, "super-admin")
	require.NoError(t, err)

	_, err = f.console.Grant(ctx, 1, 2, f.ops.ID)
	require.NoError(t, err)

	// Operations (level 3) may grant Support (level 5)...
	_, err = f.console.Grant(ctx, 2, 3, f.support.ID)
	require.NoError(t, err)

	// ...but Support (level 5) may not grant Super Admin (level 0).
	_, err = f.console.Grant(ctx, 3, 4, f.supreme.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForbidden)

	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, authz.ReasonInsufficientLevel, forbidden.Decision.Reason)

	roles, err := f.console.ActiveRoles(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, roles)

	event := f.audit.last()
	require.NotNil(t, event)
	assert.Equal(t, audit.EventTypeSuperAdminGrantDenied, event.EventType)
	assert.Equal(t, audit.EventStatusDenied, event.Status)
	assert.Equal(t, "insufficient_level", event.Metadata["reason"])

	assert.Equal(t, float64(2), f.ledgerCount("grant", "success"))
	assert.Equal(t, float64(1), f.ledgerCount("grant", "denied"))
}

func TestGrant_SelfGrantRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.console.Bootstrap(ctx, 1, "super-admin")
	require.NoError(t, err)
	_, err = f.console.Grant(ctx, 1, 2, f.ops.ID)
	require.NoError(t, err)

	_, err = f.console.Grant(ctx, 2, 2, f.support.ID)
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, authz.ReasonSelfGrant, forbidden.Decision.Reason)
}

func TestGrant_InvalidatesCachedDecisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.console.Bootstrap(ctx, 1, "super-admin")
	require.NoError(t, err)

	principal := authz.Principal{UserID: 5}
	decision, err := f.engine.Authorize(ctx, principal, authz.SuperAdminConsole(), "users.view")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 1, f.cache.Len())

	_, err = f.console.Grant(ctx, 1, 5, f.support.ID)
	require.NoError(t, err)

	decision, err = f.engine.Authorize(ctx, principal, authz.SuperAdminConsole(), "users.view")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	require.NoError(t, f.console.Revoke(ctx, 1, 5, f.support.ID))

	decision, err = f.engine.Authorize(ctx, principal, authz.SuperAdminConsole(), "users.view")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, authz.ReasonNoActiveGrant, decision.Reason)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.console.Bootstrap(ctx, 1, "super-admin")
	require.NoError(t, err)
	_, err = f.console.Grant(ctx, 1, 2, f.ops.ID)
	require.NoError(t, err)
	_, err = f.console.Grant(ctx, 1, 3, f.support.ID)
	require.NoError(t, err)

	t.Run("lower privilege cannot revoke higher", func(t *testing.T) {
		err := f.console.Revoke(ctx, 3, 2, f.ops.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("higher privilege revokes lower", func(t *testing.T) {
		require.NoError(t, f.console.Revoke(ctx, 2, 3, f.support.ID))

		history, err := f.console.History(ctx, 3)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.False(t, history[0].IsActive)
		assert.NotNil(t, history[0].RevokedAt)

		event := f.audit.last()
		assert.Equal(t, audit.EventTypeSuperAdminRevoke, event.EventType)
		assert.Equal(t, int64(2), *event.ActorID)
		assert.Equal(t, int64(3), *event.TargetUserID)
	})

	t.Run("revoking a grant that was never made", func(t *testing.T) {
		err := f.console.Revoke(ctx, 1, 9, f.support.ID)
		assert.ErrorIs(t, err, superadmin.ErrGrantNotFound)
		assert.Equal(t, float64(1), f.ledgerCount("revoke", "not_found"))
	})

	t.Run("unknown role", func(t *testing.T) {
		err := f.console.Revoke(ctx, 1, 2, 999)
		assert.ErrorIs(t, err, superadmin.ErrRoleNotFound)
	})
}

func TestForbiddenError(t *testing.T) {
	err := error(&ForbiddenError{Decision: authz.Deny(authz.ReasonSelfGrant)})
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, "super-admin action forbidden: self_grant", err.Error())
}
