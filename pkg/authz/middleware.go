package authz

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/httputil"
	"github.com/learnhub/keystone/pkg/observability"
)

// Authorizer is the read side of the Engine used by HTTP middleware.
type Authorizer interface {
	Authorize(ctx context.Context, p Principal, c Context, permission string) (Decision, error)
}

// ContextFunc derives the authorization context from a request.
type ContextFunc func(r *http.Request) (Context, error)

// PlatformContext always resolves to the platform context.
func PlatformContext(r *http.Request) (Context, error) {
	return Platform(), nil
}

// ConsoleContext always resolves to the super-admin console.
func ConsoleContext(r *http.Request) (Context, error) {
	return SuperAdminConsole(), nil
}

// OrganizationFromPath reads the organization id from a mux path variable.
func OrganizationFromPath(name string) ContextFunc {
	return func(r *http.Request) (Context, error) {
		raw := mux.Vars(r)[name]
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Context{}, fmt.Errorf("invalid organization id %q", raw)
		}
		return Organization(id), nil
	}
}

// Middleware gates HTTP handlers on authorization decisions
type Middleware struct {
	authorizer Authorizer
	logger     logrus.FieldLogger
}

// NewMiddleware creates a new authorization middleware
func NewMiddleware(authorizer Authorizer, logger logrus.FieldLogger) *Middleware {
	return &Middleware{
		authorizer: authorizer,
		logger:     logger,
	}
}

// Require admits the request only when the principal holds permission in the
// context produced by contextFn. Every denial gets the same response; the
// reason goes to the log only.
func (m *Middleware) Require(contextFn ContextFunc, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			authzCtx, err := contextFn(r)
			if err != nil {
				httputil.WriteBadRequest(w, err.Error())
				return
			}

			decision, err := m.authorizer.Authorize(r.Context(), principal, authzCtx, permission)
			if err != nil {
				observability.FromContext(r.Context(), m.logger).WithError(err).Error("authorization check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "Authorization check failed")
				return
			}

			if !decision.Allowed {
				httputil.WriteForbidden(w, "Forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
