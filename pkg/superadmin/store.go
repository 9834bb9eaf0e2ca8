package superadmin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/learnhub/keystone/pkg/storage"
)

const roleColumns = `id, name, slug, description, type, is_default, level, is_active, created_at, updated_at`

const permissionColumns = `id, name, slug, module, action, group_name, is_active, created_at, updated_at`

// Store persists super-admin roles and permissions
type Store struct {
	db *sql.DB
}

// NewStore creates a new super-admin store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureRole creates the role with slug or refreshes its attributes. The slug
// is the only stable key; re-declaring a role with new attributes is a
// normal update.
func (s *Store) EnsureRole(ctx context.Context, slug string, attrs RoleAttrs) (*Role, Change, error) {
	if slug == "" || attrs.Name == "" {
		return nil, "", storage.NewConfigurationError("super-admin role", slug, "slug and name are required")
	}
	if attrs.Level < SupremeLevel {
		return nil, "", storage.NewConfigurationError("super-admin role", slug, "level %d is negative", attrs.Level)
	}
	if attrs.Type == "" {
		attrs.Type = RoleTypeCustom
	}
	if !attrs.Type.Valid() {
		return nil, "", storage.NewConfigurationError("super-admin role", slug, "unknown type %q", attrs.Type)
	}

	existing, err := s.GetRoleBySlug(ctx, slug)
	if err != nil && !errors.Is(err, ErrRoleNotFound) {
		return nil, "", err
	}

	now := time.Now().UTC()
	if existing == nil {
		active := true
		if attrs.Active != nil {
			active = *attrs.Active
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO superadmin_roles (name, slug, description, type, is_default, level, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (slug) DO NOTHING
		`, attrs.Name, slug, attrs.Description, string(attrs.Type), attrs.IsDefault, attrs.Level, active, now, now)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create super-admin role: %w", err)
		}

		role, err := s.GetRoleBySlug(ctx, slug)
		if err != nil {
			return nil, "", err
		}
		return role, ChangeCreated, nil
	}

	active := existing.IsActive
	if attrs.Active != nil {
		active = *attrs.Active
	}
	if existing.Name == attrs.Name &&
		existing.Description == attrs.Description &&
		existing.Type == attrs.Type &&
		existing.IsDefault == attrs.IsDefault &&
		existing.Level == attrs.Level &&
		existing.IsActive == active {
		return existing, ChangeUnchanged, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE superadmin_roles
		SET name = $1, description = $2, type = $3, is_default = $4, level = $5, is_active = $6, updated_at = $7
		WHERE slug = $8
	`, attrs.Name, attrs.Description, string(attrs.Type), attrs.IsDefault, attrs.Level, active, now, slug)
	if err != nil {
		return nil, "", fmt.Errorf("failed to update super-admin role: %w", err)
	}

	role, err := s.GetRoleBySlug(ctx, slug)
	if err != nil {
		return nil, "", err
	}
	return role, ChangeUpdated, nil
}

// GetRole retrieves a role by id
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM superadmin_roles WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get super-admin role: %w", err)
	}
	return role, nil
}

// GetRoleBySlug retrieves a role by slug
func (s *Store) GetRoleBySlug(ctx context.Context, slug string) (*Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM superadmin_roles WHERE slug = $1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrRoleNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get super-admin role: %w", err)
	}
	return role, nil
}

// ListRoles lists roles from most to least privileged
func (s *Store) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roleColumns+` FROM superadmin_roles ORDER BY level, slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list super-admin roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan super-admin role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// EnsurePermission creates the permission with slug or refreshes its
// attributes.
func (s *Store) EnsurePermission(ctx context.Context, slug string, attrs PermissionAttrs) (*Permission, Change, error) {
	if slug == "" || attrs.Module == "" || attrs.Action == "" {
		return nil, "", storage.NewConfigurationError("super-admin permission", slug, "slug, module and action are required")
	}
	if attrs.Name == "" {
		attrs.Name = slug
	}

	existing, err := s.GetPermission(ctx, slug)
	if err != nil && !errors.Is(err, ErrPermissionNotFound) {
		return nil, "", err
	}

	now := time.Now().UTC()
	if existing == nil {
		active := true
		if attrs.Active != nil {
			active = *attrs.Active
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO superadmin_permissions (name, slug, module, action, group_name, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (slug) DO NOTHING
		`, attrs.Name, slug, attrs.Module, attrs.Action, attrs.Group, active, now, now)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create super-admin permission: %w", err)
		}

		perm, err := s.GetPermission(ctx, slug)
		if err != nil {
			return nil, "", err
		}
		return perm, ChangeCreated, nil
	}

	active := existing.IsActive
	if attrs.Active != nil {
		active = *attrs.Active
	}
	if existing.Name == attrs.Name &&
		existing.Module == attrs.Module &&
		existing.Action == attrs.Action &&
		existing.Group == attrs.Group &&
		existing.IsActive == active {
		return existing, ChangeUnchanged, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE superadmin_permissions
		SET name = $1, module = $2, action = $3, group_name = $4, is_active = $5, updated_at = $6
		WHERE slug = $7
	`, attrs.Name, attrs.Module, attrs.Action, attrs.Group, active, now, slug)
	if err != nil {
		return nil, "", fmt.Errorf("failed to update super-admin permission: %w", err)
	}

	perm, err := s.GetPermission(ctx, slug)
	if err != nil {
		return nil, "", err
	}
	return perm, ChangeUpdated, nil
}

// GetPermission retrieves a permission by slug
func (s *Store) GetPermission(ctx context.Context, slug string) (*Permission, error) {
	perm, err := scanPermission(s.db.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM superadmin_permissions WHERE slug = $1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrPermissionNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get super-admin permission: %w", err)
	}
	return perm, nil
}

// ListPermissions lists permissions ordered by group and slug
func (s *Store) ListPermissions(ctx context.Context) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+permissionColumns+` FROM superadmin_permissions ORDER BY group_name, slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list super-admin permissions: %w", err)
	}
	defer rows.Close()

	var perms []*Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan super-admin permission: %w", err)
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// SetRolePermissions replaces the role's permissions with slugs in one
// transaction. Updating the role row first holds its lock until commit, so
// concurrent replacements of the same role are serialized.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, slugs []string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE superadmin_roles SET updated_at = $2 WHERE id = $1
		`, roleID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to lock super-admin role: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to lock super-admin role: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
		}

		ids := make([]int64, 0, len(slugs))
		seen := make(map[int64]bool, len(slugs))
		for _, slug := range slugs {
			var id int64
			err := tx.QueryRowContext(ctx, `SELECT id FROM superadmin_permissions WHERE slug = $1`, slug).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %q", ErrPermissionNotFound, slug)
			}
			if err != nil {
				return fmt.Errorf("failed to resolve super-admin permission: %w", err)
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM superadmin_role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to clear super-admin role permissions: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO superadmin_role_permissions (role_id, permission_id) VALUES ($1, $2)
			`, roleID, id); err != nil {
				return fmt.Errorf("failed to assign super-admin permission: %w", err)
			}
		}

		return nil
	})
}

// RolePermissionSlugs returns the active permission slugs of a role
func (s *Store) RolePermissionSlugs(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.slug
		FROM superadmin_role_permissions rp
		JOIN superadmin_permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 AND p.is_active = $2
		ORDER BY p.slug
	`, roleID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get super-admin role permissions: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("failed to scan permission slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	return slugs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	var roleType string
	err := row.Scan(
		&role.ID,
		&role.Name,
		&role.Slug,
		&role.Description,
		&roleType,
		&role.IsDefault,
		&role.Level,
		&role.IsActive,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	role.Type = RoleType(roleType)
	return &role, nil
}

func scanPermission(row rowScanner) (*Permission, error) {
	var perm Permission
	err := row.Scan(
		&perm.ID,
		&perm.Name,
		&perm.Slug,
		&perm.Module,
		&perm.Action,
		&perm.Group,
		&perm.IsActive,
		&perm.CreatedAt,
		&perm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &perm, nil
}
