package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/audit"
	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/httputil"
	"github.com/learnhub/keystone/pkg/observability"
	"github.com/learnhub/keystone/pkg/orgroles"
)

// OrganizationRoleStore is the organization role surface used by the handlers.
type OrganizationRoleStore interface {
	RolesFor(ctx context.Context, orgID int64) ([]*orgroles.Role, error)
	DefineRole(ctx context.Context, def orgroles.RoleDefinition) (*orgroles.Role, orgroles.Change, error)
	GrantPermissions(ctx context.Context, orgID int64, roleName string, permissions ...string) (bool, error)
	SetActive(ctx context.Context, orgID int64, roleName string, active bool) error
	DeleteRole(ctx context.Context, orgID int64, roleName string) error
	AssignUser(ctx context.Context, orgID int64, roleName string, userID int64) error
	RemoveUser(ctx context.Context, orgID int64, roleName string, userID int64) error
}

type defineRoleRequest struct {
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type grantPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
}

type activationRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// DefineRoleResponse reports the stored role and what the upsert did
type DefineRoleResponse struct {
	Role   *orgroles.Role  `json:"role"`
	Change orgroles.Change `json:"change"`
}

// OrganizationRoleHandlers handles per-tenant role administration
type OrganizationRoleHandlers struct {
	store       OrganizationRoleStore
	invalidator Invalidator
	audit       audit.Logger
	logger      logrus.FieldLogger
}

// NewOrganizationRoleHandlers creates new organization role handlers
func NewOrganizationRoleHandlers(store OrganizationRoleStore, invalidator Invalidator, auditLogger audit.Logger, logger logrus.FieldLogger) *OrganizationRoleHandlers {
	return &OrganizationRoleHandlers{
		store:       store,
		invalidator: invalidator,
		audit:       auditLogger,
		logger:      logger,
	}
}

// RegisterRoutes registers organization role routes. Each is checked in the
// organization named by the path, so a caller from another tenant is refused
// before any role is read.
func (h *OrganizationRoleHandlers) RegisterRoutes(router *mux.Router, guard *authz.Middleware) {
	org := authz.OrganizationFromPath("org_id")
	view := guard.Require(org, PermissionViewRoles)
	manage := guard.Require(org, PermissionManageRoles)
	members := guard.Require(org, PermissionManageMembers)

	router.Handle("/organizations/{org_id}/roles", view(http.HandlerFunc(h.ListRoles))).Methods("GET")
	router.Handle("/organizations/{org_id}/roles/{name}", manage(http.HandlerFunc(h.DefineRole))).Methods("PUT")
	router.Handle("/organizations/{org_id}/roles/{name}", manage(http.HandlerFunc(h.DeleteRole))).Methods("DELETE")
	router.Handle("/organizations/{org_id}/roles/{name}/permissions", manage(http.HandlerFunc(h.GrantPermissions))).Methods("POST")
	router.Handle("/organizations/{org_id}/roles/{name}/activation", manage(http.HandlerFunc(h.SetActivation))).Methods("POST")
	router.Handle("/organizations/{org_id}/roles/{name}/members/{user_id}", members(http.HandlerFunc(h.AssignMember))).Methods("PUT")
	router.Handle("/organizations/{org_id}/roles/{name}/members/{user_id}", members(http.HandlerFunc(h.RemoveMember))).Methods("DELETE")
}

// ListRoles lists every role of the organization
func (h *OrganizationRoleHandlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return
	}

	roles, err := h.store.RolesFor(r.Context(), orgID)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	if roles == nil {
		roles = []*orgroles.Role{}
	}
	_ = httputil.WriteSuccess(w, roles)
}

// DefineRole creates the role or replaces its description and permissions
func (h *OrganizationRoleHandlers) DefineRole(w http.ResponseWriter, r *http.Request) {
	orgID, name, ok := h.roleFromPath(w, r)
	if !ok {
		return
	}

	var req defineRoleRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	role, change, err := h.store.DefineRole(r.Context(), orgroles.RoleDefinition{
		OrganizationID: orgID,
		Name:           name,
		Description:    req.Description,
		Permissions:    req.Permissions,
	})
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}

	if change != orgroles.ChangeUnchanged {
		h.changed(r, audit.EventTypeOrgRoleDefine, orgID, name, "Organization role "+string(change), map[string]interface{}{
			"change":      string(change),
			"permissions": role.Permissions.Slice(),
		})
	}

	status := http.StatusOK
	if change == orgroles.ChangeCreated {
		status = http.StatusCreated
	}
	_ = httputil.WriteJSON(w, status, DefineRoleResponse{Role: role, Change: change})
}

// DeleteRole removes a role nobody holds
func (h *OrganizationRoleHandlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	orgID, name, ok := h.roleFromPath(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteRole(r.Context(), orgID, name); err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}

	h.changed(r, audit.EventTypeOrgRoleDelete, orgID, name, "Organization role deleted", nil)
	httputil.WriteNoContent(w)
}

// GrantPermissions adds permissions to a role without removing any
func (h *OrganizationRoleHandlers) GrantPermissions(w http.ResponseWriter, r *http.Request) {
	orgID, name, ok := h.roleFromPath(w, r)
	if !ok {
		return
	}

	var req grantPermissionsRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	changed, err := h.store.GrantPermissions(r.Context(), orgID, name, req.Permissions...)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}

	if changed {
		h.changed(r, audit.EventTypeOrgRolePermissionGrant, orgID, name, "Organization role permissions granted", map[string]interface{}{
			"permissions": req.Permissions,
		})
	}
	_ = httputil.WriteSuccess(w, map[string]bool{"changed": changed})
}

// SetActivation activates or deactivates a role
func (h *OrganizationRoleHandlers) SetActivation(w http.ResponseWriter, r *http.Request) {
	orgID, name, ok := h.roleFromPath(w, r)
	if !ok {
		return
	}

	var req activationRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.store.SetActive(r.Context(), orgID, name, *req.Active); err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}

	message := "Organization role deactivated"
	if *req.Active {
		message = "Organization role activated"
	}
	h.changed(r, audit.EventTypeOrgRoleActivation, orgID, name, message, map[string]interface{}{
		"active": *req.Active,
	})
	httputil.WriteNoContent(w)
}

// AssignMember gives a user the role
func (h *OrganizationRoleHandlers) AssignMember(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, true)
}

// RemoveMember takes the role from a user
func (h *OrganizationRoleHandlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	h.membership(w, r, false)
}

func (h *OrganizationRoleHandlers) membership(w http.ResponseWriter, r *http.Request, assign bool) {
	orgID, name, ok := h.roleFromPath(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	eventType := audit.EventTypeOrgRoleMemberRemove
	message := "Organization role removed from member"
	var err error
	if assign {
		eventType = audit.EventTypeOrgRoleMemberAssign
		message = "Organization role assigned to member"
		err = h.store.AssignUser(r.Context(), orgID, name, userID)
	} else {
		err = h.store.RemoveUser(r.Context(), orgID, name, userID)
	}
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}

	h.changed(r, eventType, orgID, name, message, map[string]interface{}{"user_id": userID})
	httputil.WriteNoContent(w)
}

func (h *OrganizationRoleHandlers) roleFromPath(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org_id")
	if !ok {
		return 0, "", false
	}
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return 0, "", false
	}
	return orgID, name, true
}

// changed purges cached decisions and records the audit event for a
// successful mutation. Failures are logged; the write already happened.
func (h *OrganizationRoleHandlers) changed(r *http.Request, eventType audit.EventType, orgID int64, roleName, message string, metadata map[string]interface{}) {
	ctx := r.Context()
	logger := observability.FromContext(ctx, h.logger)

	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(ctx); err != nil {
			logger.WithError(err).Error("failed to invalidate decision cache")
		}
	}

	event := audit.NewEvent(ctx, eventType, audit.EventStatusSuccess)
	if principal, ok := authz.PrincipalFromContext(ctx); ok {
		event.ActorID = audit.Int64(principal.UserID)
	}
	event.OrganizationID = audit.Int64(orgID)
	event.ResourceType = audit.ResourceTypeOrganizationRole
	event.ResourceID = roleName
	event.Message = message
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	if userID, ok := metadata["user_id"].(int64); ok {
		event.TargetUserID = audit.Int64(userID)
	}

	if err := h.audit.Log(ctx, event); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Error("failed to record audit event")
	}
}
