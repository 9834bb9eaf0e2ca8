package orgroles

import (
	"errors"
	"fmt"
	"time"

	"github.com/learnhub/keystone/pkg/storage"
)

var (
	// ErrRoleNotFound is returned when no role with the given name exists in
	// the organization.
	ErrRoleNotFound = fmt.Errorf("organization %w", storage.ErrRoleNotFound)

	// ErrRoleInUse is returned when deleting a role that members still hold.
	ErrRoleInUse = errors.New("organization role is held by members")

	// ErrConcurrentUpdate is returned when an optimistic update keeps losing
	// to concurrent writers.
	ErrConcurrentUpdate = errors.New("organization role modified concurrently")
)

// Permission is an entry of the organization permission catalogue.
type Permission struct {
	Name        string    `json:"name" yaml:"name" validate:"required"`
	DisplayName string    `json:"display_name" yaml:"display_name" validate:"required"`
	Description string    `json:"description" yaml:"description"`
	Category    string    `json:"category" yaml:"category" validate:"required"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Role is a role owned by exactly one organization.
type Role struct {
	ID             int64         `json:"id"`
	OrganizationID int64         `json:"organization_id"`
	Name           string        `json:"name"`
	Description    string        `json:"description"`
	Permissions    PermissionSet `json:"permissions"`
	Active         bool          `json:"is_active"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsActive reports whether the role currently grants anything. Inactive roles
// keep their permissions so deactivation can be reversed.
func (r *Role) IsActive() bool {
	return r.Active
}

// Grants reports whether an active role carries permission.
func (r *Role) Grants(permission string) bool {
	return r.Active && r.Permissions.Has(permission)
}

// RoleDefinition declares an organization role.
type RoleDefinition struct {
	OrganizationID int64    `json:"organization_id"`
	Name           string   `json:"name" validate:"required"`
	Description    string   `json:"description"`
	Permissions    []string `json:"permissions"`
}

// RoleTemplate is a role created for every provisioned organization.
type RoleTemplate struct {
	Name        string   `yaml:"name" validate:"required"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Change describes what an upsert did.
type Change string

const (
	ChangeCreated   Change = "created"
	ChangeUpdated   Change = "updated"
	ChangeUnchanged Change = "unchanged"
)

// ProvisionResult summarises ProvisionOrganization.
type ProvisionResult struct {
	Created   []string `json:"created"`
	Unchanged []string `json:"unchanged"`
}
