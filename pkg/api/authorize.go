package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/authz"
	"github.com/learnhub/keystone/pkg/httputil"
	"github.com/learnhub/keystone/pkg/observability"
)

type authorizeRequest struct {
	Context        string `json:"context" validate:"required,oneof=platform organization super_admin_console"`
	OrganizationID int64  `json:"organization_id" validate:"gte=0"`
	Permission     string `json:"permission" validate:"required"`
}

// AuthorizeResponse deliberately carries nothing but the verdict.
type AuthorizeResponse struct {
	Allowed bool `json:"allowed"`
}

// AuthorizeHandler answers permission checks for the calling principal
type AuthorizeHandler struct {
	authorizer authz.Authorizer
	logger     logrus.FieldLogger
}

// NewAuthorizeHandler creates a new AuthorizeHandler
func NewAuthorizeHandler(authorizer authz.Authorizer, logger logrus.FieldLogger) *AuthorizeHandler {
	return &AuthorizeHandler{authorizer: authorizer, logger: logger}
}

// RegisterRoutes registers the authorize route
func (h *AuthorizeHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/authorize", h.Authorize).Methods("POST")
}

// Authorize resolves one permission for the principal in the request
// context. An anonymous caller is simply not allowed.
func (h *AuthorizeHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	authzCtx, err := authz.ParseContext(req.Context, req.OrganizationID)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	principal, _ := authz.PrincipalFromContext(r.Context())
	decision, err := h.authorizer.Authorize(r.Context(), principal, authzCtx, req.Permission)
	if err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("authorization check failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "Authorization check failed")
		return
	}

	_ = httputil.WriteSuccess(w, AuthorizeResponse{Allowed: decision.Allowed})
}
