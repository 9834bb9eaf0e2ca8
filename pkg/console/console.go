package console

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/superadmin"
)

var (
	// ErrForbidden is matched by every refusal from Grant and Revoke.
	ErrForbidden = errors.New("super-admin action forbidden")

	// ErrAlreadyBootstrapped is returned by Bootstrap once an active supreme
	// grant exists.
	ErrAlreadyBootstrapped = errors.New("an active supreme grant already exists")
)

// ForbiddenError carries the decision behind a refused console action. It
// matches ErrForbidden with errors.Is.
type ForbiddenError struct {
	Decision authz.Decision
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s: %s", ErrForbidden.Error(), e.Decision.Reason)
}

func (e *ForbiddenError) Unwrap() error {
	return ErrForbidden
}

// RoleReader loads super-admin roles.
type RoleReader interface {
	GetRole(ctx context.Context, id int64) (*superadmin.Role, error)
	GetRoleBySlug(ctx context.Context, slug string) (*superadmin.Role, error)
}

// GrantLedger is the write side of the super-admin ledger.
type GrantLedger interface {
	Grant(ctx context.Context, userID, roleID, grantedBy int64) (*superadmin.Grant, error)
	Revoke(ctx context.Context, userID, roleID int64) error
	GrantsFor(ctx context.Context, userID int64) ([]superadmin.Grant, error)
	ActiveRolesFor(ctx context.Context, userID int64) ([]*superadmin.Role, error)
	HasActiveSupremeGrant(ctx context.Context) (bool, error)
}

// Checker decides ledger changes and drops cached decisions afterwards.
type Checker interface {
	CanGrant(ctx context.Context, granterID, granteeID int64, target *superadmin.Role) (authz.Decision, error)
	CanRevoke(ctx context.Context, revokerID, granteeID int64, target *superadmin.Role) (authz.Decision, error)
	Invalidate(ctx context.Context) error
}

// Console applies level-checked changes to the super-admin grant ledger.
type Console struct {
	roles   RoleReader
	ledger  GrantLedger
	checker Checker
	audit   audit.Logger
	logger  logrus.FieldLogger
	metrics *observability.Metrics
}

// Option configures a Console.
type Option func(*Console)

// WithAuditLogger sets where grant events are recorded.
func WithAuditLogger(logger audit.Logger) Option {
	return func(c *Console) { c.audit = logger }
}

// WithLogger sets the operational logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Console) { c.logger = logger }
}

// WithMetrics counts ledger operations.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Console) { c.metrics = metrics }
}

// New creates a console over the given stores
func New(roles RoleReader, ledger GrantLedger, checker Checker, opts ...Option) *Console {
	c := &Console{
		roles:   roles,
		ledger:  ledger,
		checker: checker,
		audit:   audit.NoOpLogger{},
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bootstrap grants the supreme role roleSlug to userID while nobody holds an
// active supreme grant. It is how the first operator gets in.
func (c *Console) Bootstrap(ctx context.Context, userID int64, roleSlug string) (*superadmin.Grant, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("invalid user id %d", userID)
	}

	role, err := c.roles.GetRoleBySlug(ctx, roleSlug)
	if err != nil {
		return nil, err
	}
	if !role.IsSupreme() || !role.IsActive {
		return nil, fmt.Errorf("role %q is not an active supreme role", roleSlug)
	}

	exists, err := c.ledger.HasActiveSupremeGrant(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		c.metrics.RecordLedgerOperation("bootstrap", "denied")
		return nil, ErrAlreadyBootstrapped
	}

	grant, err := c.ledger.Grant(ctx, userID, role.ID, userID)
	if err != nil {
		c.metrics.RecordLedgerOperation("bootstrap", "error")
		return nil, err
	}
	c.metrics.RecordLedgerOperation("bootstrap", "success")
	c.invalidate(ctx)

	event := c.newEvent(ctx, audit.EventTypeSuperAdminBootstrap, audit.EventStatusSuccess, userID, userID, role)
	event.Message = "Supreme role bootstrapped"
	c.record(ctx, event)

	return grant, nil
}

// Grant assigns roleID to granteeID on behalf of granterID.
func (c *Console) Grant(ctx context.Context, granterID, granteeID, roleID int64) (*superadmin.Grant, error) {
	role, err := c.roles.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}

	decision, err := c.checker.CanGrant(ctx, granterID, granteeID, role)
	if err != nil {
		c.metrics.RecordLedgerOperation("grant", "error")
		return nil, err
	}
	if !decision.Allowed {
		c.refused(ctx, "grant", granterID, granteeID, role, decision)
		return nil, &ForbiddenError{Decision: decision}
	}

	grant, err := c.ledger.Grant(ctx, granteeID, role.ID, granterID)
	if err != nil {
		c.metrics.RecordLedgerOperation("grant", "error")
		return nil, err
	}
	c.metrics.RecordLedgerOperation("grant", "success")
	c.invalidate(ctx)

	event := c.newEvent(ctx, audit.EventTypeSuperAdminGrant, audit.EventStatusSuccess, granterID, granteeID, role)
	event.Message = "Super-admin role granted"
	c.record(ctx, event)

	return grant, nil
}

// Revoke deactivates the grant of roleID to granteeID on behalf of
// revokerID. The ledger row is kept for History.
func (c *Console) Revoke(ctx context.Context, revokerID, granteeID, roleID int64) error {
	role, err := c.roles.GetRole(ctx, roleID)
	if err != nil {
		return err
	}

	decision, err := c.checker.CanRevoke(ctx, revokerID, granteeID, role)
	if err != nil {
		c.metrics.RecordLedgerOperation("revoke", "error")
		return err
	}
	if !decision.Allowed {
		c.refused(ctx, "revoke", revokerID, granteeID, role, decision)
		return &ForbiddenError{Decision: decision}
	}

	if err := c.ledger.Revoke(ctx, granteeID, role.ID); err != nil {
		outcome := "error"
		if errors.Is(err, superadmin.ErrGrantNotFound) {
			outcome = "not_found"
		}
		c.metrics.RecordLedgerOperation("revoke", outcome)
		return err
	}
	c.metrics.RecordLedgerOperation("revoke", "success")
	c.invalidate(ctx)

	event := c.newEvent(ctx, audit.EventTypeSuperAdminRevoke, audit.EventStatusSuccess, revokerID, granteeID, role)
	event.Message = "Super-admin role revoked"
	c.record(ctx, event)

	return nil
}

// ActiveRoles returns the roles userID currently holds through active grants.
func (c *Console) ActiveRoles(ctx context.Context, userID int64) ([]*superadmin.Role, error) {
	return c.ledger.ActiveRolesFor(ctx, userID)
}

// History returns every ledger row for userID, revoked ones included.
func (c *Console) History(ctx context.Context, userID int64) ([]superadmin.Grant, error) {
	return c.ledger.GrantsFor(ctx, userID)
}

func (c *Console) refused(ctx context.Context, operation string, actorID, granteeID int64, role *superadmin.Role, decision authz.Decision) {
	c.metrics.RecordLedgerOperation(operation, "denied")

	event := c.newEvent(ctx, audit.EventTypeSuperAdminGrantDenied, audit.EventStatusDenied, actorID, granteeID, role)
	event.Message = "Super-admin " + operation + " refused"
	event.Metadata["operation"] = operation
	event.Metadata["reason"] = string(decision.Reason)
	c.record(ctx, event)
}

func (c *Console) newEvent(ctx context.Context, eventType audit.EventType, status audit.EventStatus, actorID, targetID int64, role *superadmin.Role) *audit.AuditEvent {
	event := audit.NewEvent(ctx, eventType, status)
	event.ActorID = audit.Int64(actorID)
	event.TargetUserID = audit.Int64(targetID)
	event.ResourceType = audit.ResourceTypeSuperAdminRole
	event.ResourceID = strconv.FormatInt(role.ID, 10)
	event.Metadata["role_slug"] = role.Slug
	event.Metadata["role_level"] = role.Level
	return event
}

func (c *Console) record(ctx context.Context, event *audit.AuditEvent) {
	if err := c.audit.Log(ctx, event); err != nil {
		observability.FromContext(ctx, c.logger).WithError(err).
			WithField("event_type", event.EventType).
			Error("failed to record audit event")
	}
}

// invalidate drops cached decisions. The ledger write has already happened,
// so a failure here is logged rather than returned; stale entries still
// expire with the cache TTL.
func (c *Console) invalidate(ctx context.Context) {
	if err := c.checker.Invalidate(ctx); err != nil {
		observability.FromContext(ctx, c.logger).WithError(err).Error("failed to invalidate decision cache")
	}
}
