package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/httputil"
	"github.com/learnhub/keystone/pkg/superadmin"
)

// ConsoleService is the super-admin console surface used by the handlers.
type ConsoleService interface {
	Grant(ctx context.Context, granterID, granteeID, roleID int64) (*superadmin.Grant, error)
	Revoke(ctx context.Context, revokerID, granteeID, roleID int64) error
	ActiveRoles(ctx context.Context, userID int64) ([]*superadmin.Role, error)
	History(ctx context.Context, userID int64) ([]superadmin.Grant, error)
}

type grantRequest struct {
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
}

// ConsoleHandlers handles super-admin grant management
type ConsoleHandlers struct {
	console ConsoleService
	logger  logrus.FieldLogger
}

// NewConsoleHandlers creates new console handlers
func NewConsoleHandlers(console ConsoleService, logger logrus.FieldLogger) *ConsoleHandlers {
	return &ConsoleHandlers{console: console, logger: logger}
}

// RegisterRoutes registers console routes behind the super-admin permission
func (h *ConsoleHandlers) RegisterRoutes(router *mux.Router, guard *authz.Middleware) {
	require := guard.Require(authz.ConsoleContext, PermissionManageSuperAdmins)

	router.Handle("/console/users/{id}/roles", require(http.HandlerFunc(h.ListRoles))).Methods("GET")
	router.Handle("/console/users/{id}/grants", require(http.HandlerFunc(h.ListGrants))).Methods("GET")
	router.Handle("/console/users/{id}/roles", require(http.HandlerFunc(h.GrantRole))).Methods("POST")
	router.Handle("/console/users/{id}/roles/{role_id}", require(http.HandlerFunc(h.RevokeRole))).Methods("DELETE")
}

// ListRoles returns the roles a user holds through active grants
func (h *ConsoleHandlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	roles, err := h.console.ActiveRoles(r.Context(), userID)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	if roles == nil {
		roles = []*superadmin.Role{}
	}
	_ = httputil.WriteSuccess(w, roles)
}

// ListGrants returns a user's full grant history, revoked grants included
func (h *ConsoleHandlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	grants, err := h.console.History(r.Context(), userID)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	if grants == nil {
		grants = []superadmin.Grant{}
	}
	_ = httputil.WriteSuccess(w, grants)
}

// GrantRole grants a role to a user on behalf of the caller
func (h *ConsoleHandlers) GrantRole(w http.ResponseWriter, r *http.Request) {
	granteeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req grantRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	principal, _ := authz.PrincipalFromContext(r.Context())
	grant, err := h.console.Grant(r.Context(), principal.UserID, granteeID, req.RoleID)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, grant)
}

// RevokeRole revokes a user's grant on behalf of the caller
func (h *ConsoleHandlers) RevokeRole(w http.ResponseWriter, r *http.Request) {
	granteeID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}

	principal, _ := authz.PrincipalFromContext(r.Context())
	if err := h.console.Revoke(r.Context(), principal.UserID, granteeID, roleID); err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}
