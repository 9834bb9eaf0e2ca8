//go:build integration

package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/learnhub/keystone/pkg/api"
	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/console"
	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/reconcile"
	"github.com/learnhub/keystone/pkg/registry"
	"github.com/learnhub/keystone/pkg/storage"
	"github.com/learnhub/keystone/pkg/superadmin"
)

const manifestPath = "../../deploy/keystone.yaml"

// setupPostgres starts a PostgreSQL container and returns a migrated database
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("keystone_test"),
		postgres.WithUsername("keystone"),
		postgres.WithPassword("keystone"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := storage.Open(ctx, storage.ConnectionConfig{URL: connStr, MaxConns: 10})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	// Twice, to prove migrations are recorded and skipped.
	for i := 0; i < 2; i++ {
		require.NoError(t, registry.RunMigrations(ctx, db, logger))
		require.NoError(t, orgroles.RunMigrations(ctx, db, logger))
		require.NoError(t, superadmin.RunMigrations(ctx, db, logger))
		require.NoError(t, audit.RunMigrations(ctx, db, logger))
	}
	return db
}

type harness struct {
	db         *sql.DB
	orgs       *orgroles.Store
	roles      *superadmin.Store
	audit      *audit.DBLogger
	engine     *authz.Engine
	console    *console.Console
	reconciler *reconcile.Reconciler
	server     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := setupPostgres(t)
	logger := logrus.New()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		db:    db,
		orgs:  orgroles.NewStore(db),
		roles: superadmin.NewStore(db),
	}
	platform := registry.NewStore(db)
	ledger := superadmin.NewLedger(db)

	var err error
	h.audit, err = audit.NewDBLogger(db)
	require.NoError(t, err)

	h.engine = authz.NewEngine(platform, h.orgs, ledger,
		authz.WithCache(authz.NewRedisCache(client, "keystone-it", time.Minute)),
		authz.WithLogger(logger),
	)
	h.console = console.New(h.roles, ledger, h.engine, console.WithAuditLogger(h.audit), console.WithLogger(logger))
	h.reconciler = reconcile.NewReconciler(platform, h.orgs, h.roles,
		reconcile.WithInvalidator(h.engine),
		reconcile.WithAuditLogger(h.audit),
		reconcile.WithLogger(logger),
	)

	h.server = httptest.NewServer(api.NewRouter(api.Dependencies{
		Authorizer:        h.engine,
		Invalidator:       h.engine,
		Console:           h.console,
		OrganizationRoles: h.orgs,
		Audit:             h.audit,
		AuditSearch:       h.audit,
		Logger:            logger,
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, userID int64, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID > 0 {
		req.Header.Set(api.HeaderUser, fmt.Sprint(userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) allowed(t *testing.T, userID int64, context string, orgID int64, permission string) bool {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/v1/authorize", userID, map[string]interface{}{
		"context":         context,
		"organization_id": orgID,
		"permission":      permission,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out api.AuthorizeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Allowed
}

func TestKeystone_EndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	source := reconcile.FileSource{Path: manifestPath}
	require.NoError(t, reconcile.NewRunner(source, h.reconciler, logrus.New()).Run(ctx))

	m, err := source.Load(ctx)
	require.NoError(t, err)
	report, err := h.reconciler.Apply(ctx, m)
	require.NoError(t, err)
	assert.False(t, report.Changed(), "second run is a no-op")

	t.Run("bootstrap", func(t *testing.T) {
		_, err := h.console.Bootstrap(ctx, 1, "owner")
		require.NoError(t, err)

		_, err = h.console.Bootstrap(ctx, 2, "owner")
		assert.ErrorIs(t, err, console.ErrAlreadyBootstrapped)
	})

	administrator, err := h.roles.GetRoleBySlug(ctx, "administrator")
	require.NoError(t, err)
	owner, err := h.roles.GetRoleBySlug(ctx, "owner")
	require.NoError(t, err)
	support, err := h.roles.GetRoleBySlug(ctx, "support")
	require.NoError(t, err)

	t.Run("console grants follow levels", func(t *testing.T) {
		resp := h.do(t, http.MethodPost, "/v1/console/users/2/roles", 1, map[string]int64{"role_id": administrator.ID})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		resp = h.do(t, http.MethodPost, "/v1/console/users/3/roles", 2, map[string]int64{"role_id": owner.ID})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = h.do(t, http.MethodPost, "/v1/console/users/3/roles", 2, map[string]int64{"role_id": support.ID})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		resp = h.do(t, http.MethodGet, "/v1/console/users/3/roles", 3, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "support cannot manage super-admins")

		resp = h.do(t, http.MethodDelete, fmt.Sprintf("/v1/console/users/3/roles/%d", support.ID), 2, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.False(t, h.allowed(t, 3, "super_admin_console", 0, "users.view"))

		resp = h.do(t, http.MethodGet, "/v1/console/users/3/grants", 1, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var grants []superadmin.Grant
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&grants))
		require.Len(t, grants, 1)
		assert.False(t, grants[0].IsActive, "revocation keeps the ledger row")
	})

	t.Run("organization roles are tenant scoped", func(t *testing.T) {
		require.NoError(t, h.orgs.AssignUser(ctx, 10, "Administrative Manager", 20))
		require.NoError(t, h.engine.Invalidate(ctx))

		resp := h.do(t, http.MethodPut, "/v1/organizations/10/roles/Tutor", 20, map[string]interface{}{
			"description": "Runs sessions",
			"permissions": []string{"organization.sessions.view", "organization.sessions.attendance"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		resp = h.do(t, http.MethodGet, "/v1/organizations/11/roles", 20, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		assert.False(t, h.allowed(t, 21, "organization", 10, "organization.sessions.attendance"))

		resp = h.do(t, http.MethodPut, "/v1/organizations/10/roles/Tutor/members/21", 20, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		assert.True(t, h.allowed(t, 21, "organization", 10, "organization.sessions.attendance"), "assignment purges cached denials")
		assert.False(t, h.allowed(t, 21, "organization", 11, "organization.sessions.attendance"))

		resp = h.do(t, http.MethodDelete, "/v1/organizations/10/roles/Tutor", 20, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, "roles with members cannot be deleted")
	})

	t.Run("platform roles", func(t *testing.T) {
		platform := registry.NewStore(h.db)
		require.NoError(t, platform.AssignRole(ctx, 30, 2))
		require.NoError(t, h.engine.Invalidate(ctx))

		assert.True(t, h.allowed(t, 30, "platform", 0, "sessions.manage"))
		assert.False(t, h.allowed(t, 30, "platform", 0, "users.manage"))
	})

	t.Run("audit trail", func(t *testing.T) {
		events, err := h.audit.Search(ctx, audit.SearchFilter{
			EventTypes: []audit.EventType{audit.EventTypeOrgRoleMemberAssign},
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(20), *events[0].ActorID)
		assert.Equal(t, int64(21), *events[0].TargetUserID)

		events, err = h.audit.Search(ctx, audit.SearchFilter{
			EventTypes: []audit.EventType{audit.EventTypeReconcileRun},
		})
		require.NoError(t, err)
		assert.Len(t, events, 2)

		resp := h.do(t, http.MethodGet, "/v1/console/audit?event_type=orgrole.member_assign&target_user_id=21", 1, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var page audit.SearchResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		require.Equal(t, 1, page.Count)
		assert.Equal(t, int64(20), *page.Events[0].ActorID)

		resp = h.do(t, http.MethodGet, "/v1/console/audit", 20, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
