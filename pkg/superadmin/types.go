package superadmin

import (
	"errors"
	"fmt"
	"time"

	"github.com/learnhub/keystone/pkg/storage"
)

// SupremeLevel is the most privileged level. A role at this level
// administers every role and passes every console permission check.
const SupremeLevel = 0

var (
	// ErrRoleNotFound is returned for unknown super-admin role ids or slugs.
	ErrRoleNotFound = fmt.Errorf("super-admin %w", storage.ErrRoleNotFound)

	// ErrPermissionNotFound is returned for unknown super-admin permission slugs.
	ErrPermissionNotFound = errors.New("super-admin permission not found")

	// ErrGrantNotFound is returned when revoking a grant that was never made.
	ErrGrantNotFound = errors.New("super-admin grant not found")
)

// RoleType distinguishes built-in roles from operator-defined ones.
type RoleType string

const (
	RoleTypeSystem RoleType = "system"
	RoleTypeCustom RoleType = "custom"
)

// Valid reports whether t is a known role type.
func (t RoleType) Valid() bool {
	return t == RoleTypeSystem || t == RoleTypeCustom
}

// Role is a leveled super-admin role. Lower levels are more privileged.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	Type        RoleType  `json:"type"`
	IsDefault   bool      `json:"is_default"`
	Level       int       `json:"level"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Permissions holds active permission slugs when loaded through the ledger.
	Permissions []string `json:"permissions,omitempty"`
}

// IsSupreme reports whether the role sits at SupremeLevel.
func (r *Role) IsSupreme() bool {
	return r.Level == SupremeLevel
}

// CanAdminister reports whether holders of r may grant or revoke target.
// Only levels are compared; permission membership plays no part.
func (r *Role) CanAdminister(target *Role) bool {
	return r.IsSupreme() || r.Level < target.Level
}

// HasPermission reports whether slug is among the loaded permissions.
func (r *Role) HasPermission(slug string) bool {
	for _, p := range r.Permissions {
		if p == slug {
			return true
		}
	}
	return false
}

// RoleAttrs are the mutable attributes of a role declared by slug.
type RoleAttrs struct {
	Name        string
	Description string
	Type        RoleType
	IsDefault   bool
	Level       int
	// Active defaults to true for new roles and is left unchanged when nil.
	Active *bool
}

// Permission is a super-admin console permission. By convention the slug
// encodes module.action; Group is presentational.
type Permission struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Module    string    `json:"module"`
	Action    string    `json:"action"`
	Group     string    `json:"group"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PermissionAttrs are the mutable attributes of a permission declared by slug.
type PermissionAttrs struct {
	Name   string
	Module string
	Action string
	Group  string
	Active *bool
}

// Grant is a ledger row recording who assigned a role to whom.
type Grant struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	RoleSlug   string     `json:"role_slug,omitempty"`
	AssignedBy int64      `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	IsActive   bool       `json:"is_active"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Change describes what an ensure call did.
type Change string

const (
	ChangeCreated   Change = "created"
	ChangeUpdated   Change = "updated"
	ChangeUnchanged Change = "unchanged"
)
