package api

import (
	"net/http"
	"strconv"

	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/httputil"
	"github.com/learnhub/keystone/pkg/registry"
)

// Headers set by the authenticating gateway.
const (
	HeaderUser         = "X-Keystone-User"
	HeaderOrganization = "X-Keystone-Organization"
	HeaderGuard        = "X-Keystone-Guard"
)

// PrincipalMiddleware stores the gateway-supplied principal in the request
// context. Requests without a user header continue unauthenticated;
// malformed headers are rejected.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderUser)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			httputil.WriteBadRequest(w, "invalid "+HeaderUser+" header")
			return
		}
		principal := authz.Principal{UserID: userID}

		if raw := r.Header.Get(HeaderOrganization); raw != "" {
			orgID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || orgID <= 0 {
				httputil.WriteBadRequest(w, "invalid "+HeaderOrganization+" header")
				return
			}
			principal.OrganizationID = orgID
		}

		switch guard := r.Header.Get(HeaderGuard); guard {
		case "", registry.GuardWeb, registry.GuardAPI:
			principal.Guard = guard
		default:
			httputil.WriteBadRequest(w, "invalid "+HeaderGuard+" header")
			return
		}

		next.ServeHTTP(w, r.WithContext(authz.WithPrincipal(r.Context(), principal)))
	})
}
