package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/learnhub/keystone/pkg/storage"
)

// Guards namespace the registry by authentication mechanism.
const (
	GuardWeb = "web"
	GuardAPI = "api"
)

var (
	// ErrRoleNotFound is returned when a system role id is unknown.
	ErrRoleNotFound = fmt.Errorf("system %w", storage.ErrRoleNotFound)

	// ErrPermissionNotFound is returned when (identifier, guard) is not registered.
	ErrPermissionNotFound = errors.New("permission not found")
)

// Permission is a platform-wide permission identifier scoped by guard.
type Permission struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	Guard      string    `json:"guard"`
	CreatedAt  time.Time `json:"created_at"`
}

// SystemRole is a platform-wide role addressed by a stable numeric id.
type SystemRole struct {
	ID             int64        `json:"id"`
	Name           string       `json:"name"`
	Guard          string       `json:"guard"`
	AllPermissions bool         `json:"all_permissions"`
	Permissions    []Permission `json:"permissions,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Grants reports whether the role grants identifier under guard using the
// permissions already loaded on the role.
func (r *SystemRole) Grants(identifier, guard string) bool {
	if r.Guard != guard {
		return false
	}
	if r.AllPermissions {
		return true
	}
	for _, p := range r.Permissions {
		if p.Identifier == identifier && p.Guard == guard {
			return true
		}
	}
	return false
}

// RoleDeclaration describes a system role as declared in configuration.
type RoleDeclaration struct {
	ID             int64
	Name           string
	Guard          string
	AllPermissions bool
	// AllowRename permits changing the name bound to an existing id.
	AllowRename bool
}

// RoleChange describes what EnsureRole did.
type RoleChange string

const (
	RoleCreated   RoleChange = "created"
	RoleUpdated   RoleChange = "updated"
	RoleRenamed   RoleChange = "renamed"
	RoleUnchanged RoleChange = "unchanged"
)
