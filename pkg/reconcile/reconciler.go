package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/registry"
	"github.com/learnhub/keystone/pkg/storage"
	"github.com/learnhub/keystone/pkg/superadmin"
)

var tracer = otel.Tracer("keystone/reconcile")

// PlatformStore is the registry surface used by reconciliation.
type PlatformStore interface {
	GetPermission(ctx context.Context, identifier, guard string) (*registry.Permission, error)
	EnsurePermission(ctx context.Context, identifier, guard string) (*registry.Permission, error)
	EnsureRole(ctx context.Context, decl registry.RoleDeclaration) (*registry.SystemRole, registry.RoleChange, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, perms []registry.Permission) error
}

// OrganizationStore is the organization role surface used by reconciliation.
type OrganizationStore interface {
	EnsurePermission(ctx context.Context, perm orgroles.Permission) (orgroles.Change, error)
	ProvisionOrganization(ctx context.Context, orgID int64, templates []orgroles.RoleTemplate) (*orgroles.ProvisionResult, error)
	DefineRole(ctx context.Context, def orgroles.RoleDefinition) (*orgroles.Role, orgroles.Change, error)
	GrantPermissions(ctx context.Context, orgID int64, roleName string, permissions ...string) (bool, error)
	BackfillPermissions(ctx context.Context, roleName string, permissions ...string) (int, error)
}

// SuperAdminStore is the super-admin surface used by reconciliation.
type SuperAdminStore interface {
	EnsurePermission(ctx context.Context, slug string, attrs superadmin.PermissionAttrs) (*superadmin.Permission, superadmin.Change, error)
	EnsureRole(ctx context.Context, slug string, attrs superadmin.RoleAttrs) (*superadmin.Role, superadmin.Change, error)
	SetRolePermissions(ctx context.Context, roleID int64, slugs []string) error
	RolePermissionSlugs(ctx context.Context, roleID int64) ([]string, error)
}

// Invalidator drops cached authorization decisions.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Reconciler brings the stores in line with a Manifest. Every step is an
// idempotent upsert, so applying the same manifest twice changes nothing the
// second time.
type Reconciler struct {
	platform    PlatformStore
	orgs        OrganizationStore
	superAdmins SuperAdminStore
	invalidator Invalidator
	audit       audit.Logger
	logger      logrus.FieldLogger
	metrics     *observability.Metrics
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInvalidator purges decision caches after a run that changed anything.
func WithInvalidator(inv Invalidator) Option {
	return func(r *Reconciler) { r.invalidator = inv }
}

// WithAuditLogger records one audit event per run.
func WithAuditLogger(logger audit.Logger) Option {
	return func(r *Reconciler) { r.audit = logger }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithMetrics records run and operation counters.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = metrics }
}

// NewReconciler creates a reconciler over the three stores
func NewReconciler(platform PlatformStore, orgs OrganizationStore, superAdmins SuperAdminStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		platform:    platform,
		orgs:        orgs,
		superAdmins: superAdmins,
		audit:       audit.NoOpLogger{},
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply reconciles m. A ConfigurationError aborts the run and is returned; a
// missing role is logged, counted as skipped and does not stop the run.
func (r *Reconciler) Apply(ctx context.Context, m *Manifest) (*Report, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "reconcile.Apply")
	defer span.End()

	report := newReport()
	err := r.apply(ctx, m, report)

	r.metrics.RecordReconcileRun(err, time.Since(start))
	r.recordRun(ctx, report, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconciliation failed")
		return report, err
	}

	span.SetAttributes(attribute.Bool("keystone.changed", report.Changed()))
	if report.Changed() && r.invalidator != nil {
		if err := r.invalidator.Invalidate(ctx); err != nil {
			return report, fmt.Errorf("reconciled but failed to invalidate decisions: %w", err)
		}
	}
	return report, nil
}

func (r *Reconciler) apply(ctx context.Context, m *Manifest, report *Report) error {
	if err := m.Validate(); err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func(context.Context, *Manifest, *Report) error
	}{
		{"platform permissions", r.applyPlatformPermissions},
		{"platform roles", r.applyPlatformRoles},
		{"organization catalogue", r.applyOrganizationCatalogue},
		{"organization provisioning", r.applyProvisioning},
		{"organization roles", r.applyOrganizationRoles},
		{"backfills", r.applyBackfills},
		{"super-admin permissions", r.applySuperAdminPermissions},
		{"super-admin roles", r.applySuperAdminRoles},
	}

	for _, step := range steps {
		if err := step.fn(ctx, m, report); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func (r *Reconciler) applyPlatformPermissions(ctx context.Context, m *Manifest, report *Report) error {
	for _, group := range m.Platform.Permissions {
		for _, identifier := range group.Identifiers {
			outcome := OutcomeUnchanged
			if _, err := r.platform.GetPermission(ctx, identifier, group.Guard); errors.Is(err, registry.ErrPermissionNotFound) {
				outcome = OutcomeCreated
			} else if err != nil {
				return err
			}

			if _, err := r.platform.EnsurePermission(ctx, identifier, group.Guard); err != nil {
				return err
			}
			r.observe(report, EntityPlatformPermission, outcome, logrus.Fields{
				"permission": identifier,
				"guard":      group.Guard,
			})
		}
	}
	return nil
}

func (r *Reconciler) applyPlatformRoles(ctx context.Context, m *Manifest, report *Report) error {
	for _, cfg := range m.Platform.Roles {
		role, change, err := r.platform.EnsureRole(ctx, registry.RoleDeclaration{
			ID:             cfg.ID,
			Name:           cfg.Name,
			Guard:          cfg.Guard,
			AllPermissions: cfg.AllPermissions,
			AllowRename:    cfg.AllowRename,
		})
		if err != nil {
			return err
		}

		perms := make([]registry.Permission, 0, len(cfg.Permissions))
		for _, identifier := range cfg.Permissions {
			perms = append(perms, registry.Permission{Identifier: identifier, Guard: cfg.Guard})
		}
		if err := r.platform.ReplaceRolePermissions(ctx, role.ID, perms); err != nil {
			return err
		}

		before := make([]string, 0, len(role.Permissions))
		for _, p := range role.Permissions {
			before = append(before, p.Identifier)
		}

		outcome := OutcomeUnchanged
		switch {
		case change == registry.RoleCreated:
			outcome = OutcomeCreated
		case change == registry.RoleUpdated, change == registry.RoleRenamed, !sameSet(before, cfg.Permissions):
			outcome = OutcomeUpdated
		}
		r.observe(report, EntityPlatformRole, outcome, logrus.Fields{
			"role_id": role.ID,
			"role":    role.Name,
			"change":  change,
		})
	}
	return nil
}

func (r *Reconciler) applyOrganizationCatalogue(ctx context.Context, m *Manifest, report *Report) error {
	for _, perm := range m.Organizations.catalogue() {
		change, err := r.orgs.EnsurePermission(ctx, perm)
		if err != nil {
			return err
		}
		r.observe(report, EntityOrganizationPermission, string(change), logrus.Fields{
			"permission": perm.Name,
			"category":   perm.Category,
		})
	}
	return nil
}

func (r *Reconciler) applyProvisioning(ctx context.Context, m *Manifest, report *Report) error {
	templates := m.Organizations.templates()
	if len(templates) == 0 || len(m.Organizations.Provision) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.Organizations.concurrency())

	for _, orgID := range uniqueIDs(m.Organizations.Provision) {
		g.Go(func() error {
			result, err := r.orgs.ProvisionOrganization(gctx, orgID, templates)
			if err != nil {
				return fmt.Errorf("organization %d: %w", orgID, err)
			}
			for _, name := range result.Created {
				r.observe(report, EntityOrganizationRole, OutcomeCreated, logrus.Fields{
					"organization_id": orgID,
					"role":            name,
				})
			}
			for _, name := range result.Unchanged {
				r.observe(report, EntityOrganizationRole, OutcomeUnchanged, logrus.Fields{
					"organization_id": orgID,
					"role":            name,
				})
			}
			return nil
		})
	}

	return g.Wait()
}

func (r *Reconciler) applyOrganizationRoles(ctx context.Context, m *Manifest, report *Report) error {
	for _, cfg := range m.Organizations.Roles {
		role, change, err := r.orgs.DefineRole(ctx, orgroles.RoleDefinition{
			OrganizationID: cfg.OrganizationID,
			Name:           cfg.Name,
			Description:    cfg.Description,
			Permissions:    cfg.Permissions,
		})
		if err != nil {
			return err
		}
		r.observe(report, EntityOrganizationRole, string(change), logrus.Fields{
			"organization_id": role.OrganizationID,
			"role":            role.Name,
		})
	}
	return nil
}

func (r *Reconciler) applyBackfills(ctx context.Context, m *Manifest, report *Report) error {
	for _, cfg := range m.Organizations.Backfills {
		if len(cfg.Organizations) == 0 {
			changed, err := r.orgs.BackfillPermissions(ctx, cfg.Role, cfg.Permissions...)
			if r.skippable(err) {
				r.skip(report, EntityBackfill, cfg.Role, err)
				continue
			}
			if err != nil {
				return err
			}
			outcome := OutcomeUnchanged
			if changed > 0 {
				outcome = OutcomeUpdated
			}
			r.observe(report, EntityBackfill, outcome, logrus.Fields{
				"role":          cfg.Role,
				"permissions":   cfg.Permissions,
				"roles_changed": changed,
			})
			continue
		}

		if err := r.backfillOrganizations(ctx, cfg, m.Organizations.concurrency(), report); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) backfillOrganizations(ctx context.Context, cfg BackfillConfig, limit int, report *Report) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, orgID := range uniqueIDs(cfg.Organizations) {
		g.Go(func() error {
			changed, err := r.orgs.GrantPermissions(gctx, orgID, cfg.Role, cfg.Permissions...)
			if r.skippable(err) {
				r.skip(report, EntityBackfill, fmt.Sprintf("%s in organization %d", cfg.Role, orgID), err)
				return nil
			}
			if err != nil {
				return fmt.Errorf("organization %d: %w", orgID, err)
			}
			outcome := OutcomeUnchanged
			if changed {
				outcome = OutcomeUpdated
			}
			r.observe(report, EntityBackfill, outcome, logrus.Fields{
				"organization_id": orgID,
				"role":            cfg.Role,
				"permissions":     cfg.Permissions,
			})
			return nil
		})
	}

	return g.Wait()
}

func (r *Reconciler) applySuperAdminPermissions(ctx context.Context, m *Manifest, report *Report) error {
	for _, cfg := range m.SuperAdmin.Permissions {
		_, change, err := r.superAdmins.EnsurePermission(ctx, cfg.Slug, superadmin.PermissionAttrs{
			Name:   cfg.Name,
			Module: cfg.Module,
			Action: cfg.Action,
			Group:  cfg.Group,
			Active: cfg.Active,
		})
		if err != nil {
			return err
		}
		r.observe(report, EntitySuperAdminPermission, string(change), logrus.Fields{
			"permission": cfg.Slug,
		})
	}
	return nil
}

func (r *Reconciler) applySuperAdminRoles(ctx context.Context, m *Manifest, report *Report) error {
	for _, cfg := range m.SuperAdmin.Roles {
		roleType := superadmin.RoleType(cfg.Type)
		if roleType == "" {
			roleType = superadmin.RoleTypeCustom
		}

		role, change, err := r.superAdmins.EnsureRole(ctx, cfg.Slug, superadmin.RoleAttrs{
			Name:        cfg.Name,
			Description: cfg.Description,
			Type:        roleType,
			IsDefault:   cfg.Default,
			Level:       cfg.Level,
			Active:      cfg.Active,
		})
		if err != nil {
			return err
		}

		before, err := r.superAdmins.RolePermissionSlugs(ctx, role.ID)
		if err != nil {
			return err
		}
		if err := r.superAdmins.SetRolePermissions(ctx, role.ID, cfg.Permissions); err != nil {
			if errors.Is(err, superadmin.ErrPermissionNotFound) {
				return storage.NewConfigurationError("super-admin role", cfg.Slug, "%v", err)
			}
			return err
		}

		outcome := string(change)
		if change == superadmin.ChangeUnchanged && !sameSet(before, cfg.Permissions) {
			outcome = OutcomeUpdated
		}
		r.observe(report, EntitySuperAdminRole, outcome, logrus.Fields{
			"role":  cfg.Slug,
			"level": cfg.Level,
		})
	}
	return nil
}

func (r *Reconciler) skippable(err error) bool {
	return err != nil && errors.Is(err, storage.ErrRoleNotFound)
}

func (r *Reconciler) observe(report *Report, entity, outcome string, fields logrus.Fields) {
	report.record(entity, outcome)
	r.metrics.RecordReconcileOperation(entity, outcome)

	entry := r.logger.WithFields(fields).WithField("entity", entity).WithField("outcome", outcome)
	if outcome == OutcomeUnchanged {
		entry.Debug("reconciled")
		return
	}
	entry.Info("reconciled")
}

func (r *Reconciler) skip(report *Report, entity, detail string, err error) {
	report.skip(entity, detail)
	r.metrics.RecordReconcileOperation(entity, OutcomeSkipped)
	r.logger.WithError(err).WithField("entity", entity).Warn("role not found, skipping")
}

func (r *Reconciler) recordRun(ctx context.Context, report *Report, runErr error, elapsed time.Duration) {
	status := audit.EventStatusSuccess
	if runErr != nil {
		status = audit.EventStatusFailure
	}

	event := audit.NewEvent(ctx, audit.EventTypeReconcileRun, status)
	event.ResourceType = audit.ResourceTypeManifest
	event.Message = "Permission model reconciled"
	event.Metadata["duration_ms"] = elapsed.Milliseconds()
	for entity, counts := range report.Entities() {
		event.Metadata[entity] = counts
	}
	if runErr != nil {
		event.Message = "Permission model reconciliation failed"
		event.ErrorMessage = runErr.Error()
	}

	if err := r.audit.Log(ctx, event); err != nil {
		r.logger.WithError(err).Error("failed to record reconciliation audit event")
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sameSet(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	other := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
		other[s] = struct{}{}
	}
	return len(set) == len(other)
}
