package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/registry"
	"github.com/learnhub/keystone/pkg/superadmin"
)

var tracer = otel.Tracer("keystone/authz")

// SystemRoleReader loads platform roles.
type SystemRoleReader interface {
	RolesForUser(ctx context.Context, userID int64, guard string) ([]*registry.SystemRole, error)
}

// OrganizationRoleReader loads roles within one organization.
type OrganizationRoleReader interface {
	RolesForUser(ctx context.Context, orgID, userID int64) ([]*orgroles.Role, error)
}

// GrantReader loads active super-admin roles.
type GrantReader interface {
	ActiveRolesFor(ctx context.Context, userID int64) ([]*superadmin.Role, error)
}

// Engine resolves authorization questions against the three permission
// domains. It never writes to the stores and is safe for concurrent use.
type Engine struct {
	system  SystemRoleReader
	orgs    OrganizationRoleReader
	grants  GrantReader
	cache   DecisionCache
	logger  logrus.FieldLogger
	metrics *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables decision caching.
func WithCache(cache DecisionCache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithLogger sets the logger used for denial reasons.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records decisions in Prometheus.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// NewEngine creates a resolution engine
func NewEngine(system SystemRoleReader, orgs OrganizationRoleReader, grants GrantReader, opts ...Option) *Engine {
	e := &Engine{
		system: system,
		orgs:   orgs,
		grants: grants,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize decides whether p holds permission in c. Each context is
// resolved against its own store only; an allow in one domain never implies
// an allow in another.
func (e *Engine) Authorize(ctx context.Context, p Principal, c Context, permission string) (Decision, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "authz.Authorize")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("keystone.user_id", p.UserID),
		attribute.String("keystone.context", c.String()),
		attribute.String("keystone.permission", permission),
	)

	decision, err := e.authorize(ctx, p, c, permission)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization failed")
		return Decision{}, err
	}

	span.SetAttributes(attribute.Bool("keystone.allowed", decision.Allowed))
	e.metrics.RecordDecision(string(c.Kind), decision.Allowed, string(decision.Reason), time.Since(start))

	if !decision.Allowed {
		observability.FromContext(ctx, e.logger).WithFields(logrus.Fields{
			"user_id":    p.UserID,
			"context":    c.String(),
			"permission": permission,
			"reason":     decision.Reason,
		}).Info("authorization denied")
	}

	return decision, nil
}

func (e *Engine) authorize(ctx context.Context, p Principal, c Context, permission string) (Decision, error) {
	if !p.IsAuthenticated() {
		return Deny(ReasonUnauthenticated), nil
	}

	// Tenant isolation comes before any lookup, cached or not.
	if c.Kind == KindOrganization && p.OrganizationID != c.OrganizationID {
		return Deny(ReasonWrongTenant), nil
	}

	key := p.cacheKey(c, permission)
	// The generation is read before the stores so a Purge that lands while
	// roles are loading keeps this decision out of the cache.
	gen, cacheable := e.cacheGeneration(ctx)
	if cacheable {
		if decision, ok := e.cacheGet(ctx, gen, key); ok {
			return decision, nil
		}
	}

	var decision Decision
	var err error
	switch c.Kind {
	case KindSuperAdminConsole:
		decision, err = e.authorizeConsole(ctx, p, permission)
	case KindOrganization:
		decision, err = e.authorizeOrganization(ctx, p, c.OrganizationID, permission)
	case KindPlatform:
		decision, err = e.authorizePlatform(ctx, p, permission)
	default:
		return Decision{}, fmt.Errorf("unknown authorization context %q", c.Kind)
	}
	if err != nil {
		return Decision{}, err
	}

	if cacheable {
		e.cacheSet(ctx, gen, key, decision)
	}
	return decision, nil
}

func (e *Engine) authorizeConsole(ctx context.Context, p Principal, permission string) (Decision, error) {
	roles, err := e.grants.ActiveRolesFor(ctx, p.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load super-admin roles: %w", err)
	}
	if len(roles) == 0 {
		return Deny(ReasonNoActiveGrant), nil
	}

	var matched []string
	for _, role := range roles {
		if role.IsSupreme() || role.HasPermission(permission) {
			matched = append(matched, role.Slug)
		}
	}
	if len(matched) == 0 {
		return Deny(ReasonPermissionNotInRole), nil
	}
	return Allow(matched...), nil
}

func (e *Engine) authorizeOrganization(ctx context.Context, p Principal, orgID int64, permission string) (Decision, error) {
	roles, err := e.orgs.RolesForUser(ctx, orgID, p.UserID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load organization roles: %w", err)
	}
	if len(roles) == 0 {
		return Deny(ReasonNoActiveGrant), nil
	}

	var matched []string
	active := 0
	for _, role := range roles {
		if role.OrganizationID != orgID || !role.IsActive() {
			continue
		}
		active++
		if role.Permissions.Has(permission) {
			matched = append(matched, role.Name)
		}
	}

	switch {
	case len(matched) > 0:
		return Allow(matched...), nil
	case active == 0:
		return Deny(ReasonRoleInactive), nil
	default:
		return Deny(ReasonPermissionNotInRole), nil
	}
}

func (e *Engine) authorizePlatform(ctx context.Context, p Principal, permission string) (Decision, error) {
	guard := p.guard()
	roles, err := e.system.RolesForUser(ctx, p.UserID, guard)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load system roles: %w", err)
	}
	if len(roles) == 0 {
		return Deny(ReasonNoActiveGrant), nil
	}

	var matched []string
	for _, role := range roles {
		if role.Grants(permission, guard) {
			matched = append(matched, role.Name)
		}
	}
	if len(matched) == 0 {
		return Deny(ReasonPermissionNotInRole), nil
	}
	return Allow(matched...), nil
}

// CanGrant decides whether granterID may assign target to granteeID. The
// granter needs an active role able to administer target; a self-grant
// needs an active supreme role. Inactive target roles cannot be granted.
func (e *Engine) CanGrant(ctx context.Context, granterID, granteeID int64, target *superadmin.Role) (Decision, error) {
	return e.checkLedgerChange(ctx, "authz.CanGrant", granterID, granteeID, target, true)
}

// CanRevoke applies the CanGrant rules to taking target away from
// granteeID, except that grants of inactive roles may still be revoked.
func (e *Engine) CanRevoke(ctx context.Context, revokerID, granteeID int64, target *superadmin.Role) (Decision, error) {
	return e.checkLedgerChange(ctx, "authz.CanRevoke", revokerID, granteeID, target, false)
}

func (e *Engine) checkLedgerChange(ctx context.Context, spanName string, actorID, granteeID int64, target *superadmin.Role, requireActive bool) (Decision, error) {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.Int64("keystone.actor_id", actorID),
		attribute.Int64("keystone.grantee_id", granteeID),
		attribute.String("keystone.role", target.Slug),
	)

	decision, err := e.canAdminister(ctx, actorID, granteeID, target, requireActive)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger check failed")
		return Decision{}, err
	}

	span.SetAttributes(attribute.Bool("keystone.allowed", decision.Allowed))
	if !decision.Allowed {
		observability.FromContext(ctx, e.logger).WithFields(logrus.Fields{
			"actor_id":   actorID,
			"grantee_id": granteeID,
			"role":       target.Slug,
			"role_level": target.Level,
			"reason":     decision.Reason,
		}).Warn("super-admin ledger change refused")
	}
	return decision, nil
}

func (e *Engine) canAdminister(ctx context.Context, actorID, granteeID int64, target *superadmin.Role, requireActive bool) (Decision, error) {
	if actorID <= 0 {
		return Deny(ReasonUnauthenticated), nil
	}
	if requireActive && !target.IsActive {
		return Deny(ReasonRoleInactive), nil
	}

	roles, err := e.grants.ActiveRolesFor(ctx, actorID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load super-admin roles: %w", err)
	}
	if len(roles) == 0 {
		return Deny(ReasonNoActiveGrant), nil
	}

	if actorID == granteeID {
		for _, role := range roles {
			if role.IsSupreme() {
				return Allow(role.Slug), nil
			}
		}
		return Deny(ReasonSelfGrant), nil
	}

	var matched []string
	for _, role := range roles {
		if role.CanAdminister(target) {
			matched = append(matched, role.Slug)
		}
	}
	if len(matched) == 0 {
		return Deny(ReasonInsufficientLevel), nil
	}
	return Allow(matched...), nil
}

// Invalidate drops every cached decision. Call it after any store mutation
// that can change an outcome.
func (e *Engine) Invalidate(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	if err := e.cache.Purge(ctx); err != nil {
		e.metrics.RecordCacheError(e.cache.Backend(), "purge")
		return fmt.Errorf("failed to purge decision cache: %w", err)
	}
	return nil
}

func (e *Engine) cacheGeneration(ctx context.Context) (int64, bool) {
	if e.cache == nil {
		return 0, false
	}
	gen, err := e.cache.Generation(ctx)
	if err != nil {
		e.metrics.RecordCacheError(e.cache.Backend(), "generation")
		e.logger.WithError(err).Warn("decision cache unavailable")
		return 0, false
	}
	return gen, true
}

func (e *Engine) cacheGet(ctx context.Context, gen int64, key string) (Decision, bool) {
	decision, ok, err := e.cache.Get(ctx, gen, key)
	if err != nil {
		e.metrics.RecordCacheError(e.cache.Backend(), "get")
		e.logger.WithError(err).Warn("decision cache lookup failed")
		return Decision{}, false
	}
	e.metrics.RecordCacheLookup(e.cache.Backend(), ok)
	return decision, ok
}

func (e *Engine) cacheSet(ctx context.Context, gen int64, key string, decision Decision) {
	if err := e.cache.Set(ctx, gen, key, decision); err != nil {
		e.metrics.RecordCacheError(e.cache.Backend(), "set")
		e.logger.WithError(err).Warn("decision cache store failed")
	}
}
