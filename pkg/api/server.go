package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/console"
	"github.com/learnhub/keystone/pkg/httputil"
	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/ratelimit"
	"github.com/learnhub/keystone/pkg/storage"
	"github.com/learnhub/keystone/pkg/superadmin"
)

// Permissions guarding the administrative routes.
const (
	PermissionManageSuperAdmins = "super_admins.manage"
	PermissionViewRoles         = "organization.roles.view"
	PermissionManageRoles       = "organization.roles.manage"
	PermissionManageMembers     = "organization.members.manage"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Invalidator drops cached authorization decisions.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Dependencies are the services the router dispatches to. Console,
// OrganizationRoles and AuditSearch are optional; their routes are not
// registered when nil.
type Dependencies struct {
	Authorizer        authz.Authorizer
	Invalidator       Invalidator
	Console           ConsoleService
	OrganizationRoles OrganizationRoleStore
	Audit             audit.Logger
	AuditSearch       audit.Searcher
	Logger            logrus.FieldLogger
	Metrics           *observability.Metrics
	MaxBodyBytes      int64
	// RateLimiter bounds requests per principal, or per client address for
	// anonymous callers. Nil disables rate limiting.
	RateLimiter ratelimit.Limiter
}

// NewRouter builds the /v1 API
func NewRouter(deps Dependencies) *mux.Router {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NoOpLogger{}
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}

	router := mux.NewRouter()
	router.Use(observability.RequestLogger(deps.Logger))
	router.Use(httputil.RecoveryMiddleware(deps.Logger))
	if deps.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(PrincipalMiddleware)
	if deps.RateLimiter != nil {
		v1.Use(ratelimit.Middleware(deps.RateLimiter, rateLimitKey, deps.Logger))
	}
	v1.Use(httputil.ContentTypeMiddleware)
	v1.Use(httputil.MaxBytesMiddleware(deps.MaxBodyBytes))

	guard := authz.NewMiddleware(deps.Authorizer, deps.Logger)

	NewAuthorizeHandler(deps.Authorizer, deps.Logger).RegisterRoutes(v1)
	if deps.Console != nil {
		NewConsoleHandlers(deps.Console, deps.Logger).RegisterRoutes(v1, guard)
	}
	if deps.AuditSearch != nil {
		require := guard.Require(authz.ConsoleContext, PermissionManageSuperAdmins)
		events := audit.NewHandlers(deps.AuditSearch, deps.Logger)
		v1.Handle("/console/audit", require(http.HandlerFunc(events.ListEvents))).Methods("GET")
	}
	if deps.OrganizationRoles != nil {
		NewOrganizationRoleHandlers(deps.OrganizationRoles, deps.Invalidator, deps.Audit, deps.Logger).RegisterRoutes(v1, guard)
	}

	return router
}

func rateLimitKey(r *http.Request) string {
	if principal, ok := authz.PrincipalFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(principal.UserID, 10)
	}
	return "ip:" + ratelimit.ClientIP(r)
}

// writeStoreError maps domain errors to responses. Unexpected errors are
// logged and reported as a bare 500.
func writeStoreError(w http.ResponseWriter, r *http.Request, logger logrus.FieldLogger, err error) {
	switch {
	case errors.Is(err, console.ErrForbidden):
		httputil.WriteForbidden(w, "Forbidden")
	case errors.Is(err, storage.ErrRoleNotFound):
		httputil.WriteNotFound(w, "role not found")
	case errors.Is(err, superadmin.ErrGrantNotFound):
		httputil.WriteNotFound(w, "grant not found")
	case errors.Is(err, orgroles.ErrRoleInUse):
		httputil.WriteConflict(w, "role is held by members")
	case errors.Is(err, orgroles.ErrConcurrentUpdate):
		httputil.WriteConflict(w, "role modified concurrently, retry")
	case storage.IsConfigurationError(err):
		httputil.WriteBadRequest(w, err.Error())
	default:
		observability.FromContext(r.Context(), logger).WithError(err).Error("request failed")
		httputil.WriteInternalError(w)
	}
}
