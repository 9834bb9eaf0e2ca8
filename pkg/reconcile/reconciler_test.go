package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/registry"
	"github.com/learnhub/keystone/pkg/storage"
	"github.com/learnhub/keystone/pkg/superadmin"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identifier TEXT NOT NULL,
			guard TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(identifier, guard)
		);

		CREATE TABLE system_roles (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			guard TEXT NOT NULL,
			all_permissions BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(name, guard)
		);

		CREATE TABLE role_has_permissions (
			role_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			PRIMARY KEY (role_id, permission_id)
		);

		CREATE TABLE user_system_roles (
			user_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			assigned_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, role_id)
		);

		CREATE TABLE organization_permissions (
			name TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE organization_roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			organization_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			permissions TEXT NOT NULL DEFAULT '[]',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(organization_id, name)
		);

		CREATE TABLE organization_role_members (
			role_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			assigned_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (role_id, user_id)
		);

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
	`)
	if err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingInvalidator) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

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

type fixture struct {
	platform    *registry.Store
	orgs        *orgroles.Store
	superAdmins *superadmin.Store
	invalidator *countingInvalidator
	audit       *recordingAudit
	metrics     *observability.Metrics
	hook        *logtest.Hook
	reconciler  *Reconciler
}

func newFixture(t *testing.T) *fixture {
	db := setupTestDB(t)
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		platform:    registry.NewStore(db),
		orgs:        orgroles.NewStore(db),
		superAdmins: superadmin.NewStore(db),
		invalidator: &countingInvalidator{},
		audit:       &recordingAudit{},
		metrics:     observability.NewMetrics(prometheus.NewRegistry()),
		hook:        hook,
	}
	f.reconciler = NewReconciler(f.platform, f.orgs, f.superAdmins,
		WithInvalidator(f.invalidator),
		WithAuditLogger(f.audit),
		WithLogger(logger),
		WithMetrics(f.metrics),
	)
	return f
}

func mustParse(t *testing.T, manifest string) *Manifest {
	t.Helper()
	m, err := Parse(strings.NewReader(manifest))
	require.NoError(t, err)
	return m
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	report, err := f.reconciler.Apply(ctx, mustParse(t, testManifest))
	require.NoError(t, err)

	assert.Equal(t, Counts{Created: 4}, report.Counts(EntityPlatformPermission))
	assert.Equal(t, Counts{Created: 2}, report.Counts(EntityPlatformRole))
	assert.Equal(t, Counts{Created: 2}, report.Counts(EntityOrganizationPermission))
	assert.Equal(t, Counts{Created: 3}, report.Counts(EntityOrganizationRole))
	assert.Equal(t, Counts{Updated: 1}, report.Counts(EntityBackfill))
	assert.Equal(t, Counts{Created: 2}, report.Counts(EntitySuperAdminPermission))
	assert.Equal(t, Counts{Created: 2}, report.Counts(EntitySuperAdminRole))
	assert.True(t, report.Changed())
	assert.Empty(t, report.Skipped())

	trainer, err := f.platform.GetRole(ctx, 2)
	require.NoError(t, err)
	assert.True(t, trainer.Grants("courses.view", "web"))
	assert.False(t, trainer.Grants("courses.manage", "web"))

	for _, orgID := range []int64{10, 11} {
		client, err := f.orgs.GetRole(ctx, orgID, "Client")
		require.NoError(t, err)
		assert.True(t, client.Grants("organization.courses.view"))
		assert.True(t, client.Grants("organization.invoices.view"), "backfilled in organization %d", orgID)
	}

	auditor, err := f.orgs.GetRole(ctx, 10, "Auditor")
	require.NoError(t, err)
	assert.True(t, auditor.Grants("organization.invoices.view"))

	owner, err := f.superAdmins.GetRoleBySlug(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, 0, owner.Level)
	slugs, err := f.superAdmins.RolePermissionSlugs(ctx, owner.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users.view", "users.manage"}, slugs)

	assert.Equal(t, 1, f.invalidator.calls)
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, audit.EventTypeReconcileRun, f.audit.events[0].EventType)
	assert.Equal(t, audit.EventStatusSuccess, f.audit.events[0].Status)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReconcileRunsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(4), testutil.ToFloat64(f.metrics.ReconcileOperationsTotal.WithLabelValues(EntityPlatformPermission, OutcomeCreated)))
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := mustParse(t, testManifest)

	_, err := f.reconciler.Apply(ctx, m)
	require.NoError(t, err)

	report, err := f.reconciler.Apply(ctx, m)
	require.NoError(t, err)

	assert.False(t, report.Changed())
	for entity, counts := range report.Entities() {
		assert.Zero(t, counts.Created, entity)
		assert.Zero(t, counts.Updated, entity)
	}
	assert.Equal(t, Counts{Unchanged: 3}, report.Counts(EntityOrganizationRole))
	assert.Equal(t, 1, f.invalidator.calls, "an unchanged run does not purge caches")

	roles, err := f.orgs.RolesFor(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, roles, 2)
}

func TestApply_MembershipChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.reconciler.Apply(ctx, mustParse(t, testManifest))
	require.NoError(t, err)

	changed := strings.Replace(testManifest, "      permissions: [courses.view]\n", "      permissions: [courses.view, courses.manage]\n", 1)
	report, err := f.reconciler.Apply(ctx, mustParse(t, changed))
	require.NoError(t, err)

	assert.Equal(t, Counts{Updated: 1, Unchanged: 1}, report.Counts(EntityPlatformRole))
	trainer, err := f.platform.GetRole(ctx, 2)
	require.NoError(t, err)
	assert.True(t, trainer.Grants("courses.manage", "web"))
	assert.Equal(t, 2, f.invalidator.calls)
}

func TestApply_UnregisteredPermissionAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m := mustParse(t, `
platform:
  permissions:
    - guard: web
      identifiers: [courses.view]
  roles:
    - id: 2
      name: Trainer
      guard: web
      permissions: [courses.view, courses.delete]
super_admin:
  roles:
    - {slug: owner, name: Owner, level: 0}
`)
	report, err := f.reconciler.Apply(ctx, m)
	require.Error(t, err)
	assert.True(t, storage.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "platform roles")
	assert.Contains(t, err.Error(), "courses.delete")

	_, err = f.superAdmins.GetRoleBySlug(ctx, "owner")
	assert.Error(t, err, "later steps do not run")
	assert.Zero(t, report.Counts(EntitySuperAdminRole).Created)

	assert.Zero(t, f.invalidator.calls)
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, audit.EventStatusFailure, f.audit.events[0].Status)
	assert.NotEmpty(t, f.audit.events[0].ErrorMessage)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ReconcileRunsTotal.WithLabelValues("failure")))
}

func TestApply_UnknownSuperAdminPermission(t *testing.T) {
	f := newFixture(t)

	m := mustParse(t, `
super_admin:
  roles:
    - {slug: owner, name: Owner, level: 0, permissions: [users.purge]}
`)
	_, err := f.reconciler.Apply(context.Background(), m)
	require.Error(t, err)
	assert.True(t, storage.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "users.purge")
}

func TestApply_MissingRoleSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m := mustParse(t, `
organizations:
  templates:
    - name: Client
      permissions: [organization.courses.view]
  provision: [10]
  backfills:
    - role: Ghost
      permissions: [organization.courses.view]
    - role: Ghost
      permissions: [organization.courses.view]
      organizations: [10, 12]
    - role: Client
      permissions: [organization.invoices.view]
      organizations: [10]
super_admin:
  roles:
    - {slug: owner, name: Owner, level: 0}
`)
	report, err := f.reconciler.Apply(ctx, m)
	require.NoError(t, err)

	assert.Equal(t, Counts{Updated: 1, Skipped: 3}, report.Counts(EntityBackfill))
	assert.Equal(t, []string{
		"backfill: Ghost",
		"backfill: Ghost in organization 10",
		"backfill: Ghost in organization 12",
	}, report.Skipped())

	_, err = f.superAdmins.GetRoleBySlug(ctx, "owner")
	assert.NoError(t, err, "skips do not stop the run")

	client, err := f.orgs.GetRole(ctx, 10, "Client")
	require.NoError(t, err)
	assert.True(t, client.Grants("organization.invoices.view"))

	warnings := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "role not found, skipping" {
			warnings++
		}
	}
	assert.Equal(t, 3, warnings)
}

func TestApply_InvalidManifest(t *testing.T) {
	f := newFixture(t)

	m := &Manifest{Platform: PlatformSection{Permissions: []PermissionGroup{{Guard: "cli", Identifiers: []string{"a"}}}}}
	_, err := f.reconciler.Apply(context.Background(), m)
	require.Error(t, err)
	assert.True(t, storage.IsConfigurationError(err))
}

func TestApply_InvalidateError(t *testing.T) {
	f := newFixture(t)
	f.invalidator.err = errors.New("redis down")

	report, err := f.reconciler.Apply(context.Background(), mustParse(t, testManifest))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.True(t, report.Changed())
}

func TestApply_DefaultsWithoutOptions(t *testing.T) {
	db := setupTestDB(t)
	r := NewReconciler(registry.NewStore(db), orgroles.NewStore(db), superadmin.NewStore(db))

	report, err := r.Apply(context.Background(), mustParse(t, `
organizations:
  use_default_catalogue: true
  use_default_templates: true
  provision: [1]
`))
	require.NoError(t, err)
	assert.Equal(t, len(orgroles.DefaultCatalogue()), report.Counts(EntityOrganizationPermission).Created)
	assert.Equal(t, len(orgroles.DefaultTemplates()), report.Counts(EntityOrganizationRole).Created)
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 3}, uniqueIDs([]int64{3, 1, 2, 3, 1}))
	assert.Empty(t, uniqueIDs(nil))
}

func TestSameSet(t *testing.T) {
	assert.True(t, sameSet([]string{"a", "b"}, []string{"b", "a", "a"}))
	assert.True(t, sameSet(nil, []string{}))
	assert.False(t, sameSet([]string{"a"}, []string{"a", "b"}))
	assert.False(t, sameSet([]string{"a", "b"}, []string{"a"}))
}
