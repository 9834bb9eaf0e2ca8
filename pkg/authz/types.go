package authz

import (
	"fmt"
	"strconv"

	"github.com/learnhub/keystone/pkg/registry"
)

// ContextKind names one of the three independent permission domains.
type ContextKind string

const (
	KindPlatform          ContextKind = "platform"
	KindOrganization      ContextKind = "organization"
	KindSuperAdminConsole ContextKind = "super_admin_console"
)

// Context is the domain a permission is checked in. Build it with Platform,
// Organization or SuperAdminConsole.
type Context struct {
	Kind           ContextKind
	OrganizationID int64
}

// Platform is the platform-wide context resolved against system roles.
func Platform() Context {
	return Context{Kind: KindPlatform}
}

// Organization is the tenant context of one organization.
func Organization(id int64) Context {
	return Context{Kind: KindOrganization, OrganizationID: id}
}

// SuperAdminConsole is the context of the platform operator console.
func SuperAdminConsole() Context {
	return Context{Kind: KindSuperAdminConsole}
}

func (c Context) String() string {
	if c.Kind == KindOrganization {
		return fmt.Sprintf("%s:%d", c.Kind, c.OrganizationID)
	}
	return string(c.Kind)
}

// ParseContext builds a Context from its kind and, for organizations, id.
func ParseContext(kind string, organizationID int64) (Context, error) {
	switch ContextKind(kind) {
	case KindPlatform:
		return Platform(), nil
	case KindOrganization:
		if organizationID <= 0 {
			return Context{}, fmt.Errorf("organization context requires an organization id")
		}
		return Organization(organizationID), nil
	case KindSuperAdminConsole:
		return SuperAdminConsole(), nil
	default:
		return Context{}, fmt.Errorf("unknown context kind %q", kind)
	}
}

// Principal is the caller being authorized.
type Principal struct {
	UserID int64
	// OrganizationID is the principal's home organization, 0 when none.
	OrganizationID int64
	// Guard selects the registry namespace; empty means registry.GuardWeb.
	Guard string
}

// IsAuthenticated reports whether the principal identifies a user.
func (p Principal) IsAuthenticated() bool {
	return p.UserID > 0
}

func (p Principal) guard() string {
	if p.Guard == "" {
		return registry.GuardWeb
	}
	return p.Guard
}

func (p Principal) cacheKey(c Context, permission string) string {
	return strconv.FormatInt(p.UserID, 10) + "|" +
		strconv.FormatInt(p.OrganizationID, 10) + "|" +
		p.guard() + "|" + c.String() + "|" + permission
}

// Reason explains a denial. Reasons are for operators and logs only and are
// never sent to clients.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonUnauthenticated     Reason = "unauthenticated"
	ReasonWrongTenant         Reason = "wrong_tenant"
	ReasonNoActiveGrant       Reason = "no_active_grant"
	ReasonPermissionNotInRole Reason = "permission_not_in_role"
	ReasonRoleInactive        Reason = "role_inactive"
	ReasonInsufficientLevel   Reason = "insufficient_level"
	ReasonSelfGrant           Reason = "self_grant"
)

// Decision is the outcome of an authorization check. Denials are ordinary
// values; errors are reserved for store failures.
type Decision struct {
	Allowed      bool     `json:"allowed"`
	Reason       Reason   `json:"reason,omitempty"`
	MatchedRoles []string `json:"matched_roles,omitempty"`
}

// Allow builds an allowing decision.
func Allow(matchedRoles ...string) Decision {
	return Decision{Allowed: true, MatchedRoles: matchedRoles}
}

// Deny builds a denying decision.
func Deny(reason Reason) Decision {
	return Decision{Reason: reason}
}
