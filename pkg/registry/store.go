package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/learnhub/keystone/pkg/storage"
)

// Store persists the permission registry and system roles
type Store struct {
	db *sql.DB
}

// NewStore creates a new registry store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsurePermission returns the permission for (identifier, guard), creating
// it if it does not exist yet.
func (s *Store) EnsurePermission(ctx context.Context, identifier, guard string) (*Permission, error) {
	if identifier == "" || guard == "" {
		return nil, storage.NewConfigurationError("permission", identifier, "identifier and guard are required")
	}

	query := `
		INSERT INTO permissions (identifier, guard, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier, guard) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, identifier, guard, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to ensure permission: %w", err)
	}

	return s.GetPermission(ctx, identifier, guard)
}

// GetPermission retrieves a permission by identifier and guard
func (s *Store) GetPermission(ctx context.Context, identifier, guard string) (*Permission, error) {
	query := `
		SELECT id, identifier, guard, created_at
		FROM permissions
		WHERE identifier = $1 AND guard = $2
	`

	var p Permission
	err := s.db.QueryRowContext(ctx, query, identifier, guard).Scan(&p.ID, &p.Identifier, &p.Guard, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s (%s)", ErrPermissionNotFound, identifier, guard)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}

	return &p, nil
}

// ListPermissions lists every registered permission for a guard
func (s *Store) ListPermissions(ctx context.Context, guard string) ([]Permission, error) {
	query := `
		SELECT id, identifier, guard, created_at
		FROM permissions
		WHERE guard = $1
		ORDER BY identifier
	`

	rows, err := s.db.QueryContext(ctx, query, guard)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Identifier, &p.Guard, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}

	return perms, rows.Err()
}

// EnsureRole creates or refreshes the system role with the declared id.
//
// The id is authoritative. Binding a different name to an existing id is a
// configuration error unless decl.AllowRename is set, and a name already held
// by another id is always a configuration error.
func (s *Store) EnsureRole(ctx context.Context, decl RoleDeclaration) (*SystemRole, RoleChange, error) {
	key := strconv.FormatInt(decl.ID, 10)
	if decl.ID <= 0 {
		return nil, "", storage.NewConfigurationError("system role", key, "id must be positive")
	}
	if decl.Name == "" || decl.Guard == "" {
		return nil, "", storage.NewConfigurationError("system role", key, "name and guard are required")
	}

	change := RoleUnchanged
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := scanRole(tx.QueryRowContext(ctx, `
			SELECT id, name, guard, all_permissions, created_at, updated_at
			FROM system_roles
			WHERE id = $1
		`, decl.ID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get role: %w", err)
		}

		var holder int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM system_roles WHERE name = $1 AND guard = $2
		`, decl.Name, decl.Guard).Scan(&holder)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check role name: %w", err)
		}
		if err == nil && holder != decl.ID {
			return storage.NewConfigurationError("system role", key,
				"name %q (%s) is already bound to role %d", decl.Name, decl.Guard, holder)
		}

		now := time.Now().UTC()
		if existing == nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO system_roles (id, name, guard, all_permissions, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, decl.ID, decl.Name, decl.Guard, decl.AllPermissions, now, now)
			if err != nil {
				return fmt.Errorf("failed to create role: %w", err)
			}
			change = RoleCreated
			return nil
		}

		if existing.Guard != decl.Guard {
			return storage.NewConfigurationError("system role", key,
				"guard drift from %q to %q", existing.Guard, decl.Guard)
		}

		if existing.Name != decl.Name {
			if !decl.AllowRename {
				return storage.NewConfigurationError("system role", key,
					"id is bound to %q, declared as %q", existing.Name, decl.Name)
			}
			change = RoleRenamed
		} else if existing.AllPermissions != decl.AllPermissions {
			change = RoleUpdated
		} else {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE system_roles
			SET name = $1, all_permissions = $2, updated_at = $3
			WHERE id = $4
		`, decl.Name, decl.AllPermissions, now, decl.ID)
		if err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	role, err := s.GetRole(ctx, decl.ID)
	if err != nil {
		return nil, "", err
	}
	return role, change, nil
}

// GetRole retrieves a system role with its permissions
func (s *Store) GetRole(ctx context.Context, roleID int64) (*SystemRole, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, `
		SELECT id, name, guard, all_permissions, created_at, updated_at
		FROM system_roles
		WHERE id = $1
	`, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	perms, err := s.rolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms

	return role, nil
}

// ListRoles lists every system role, without permissions
func (s *Store) ListRoles(ctx context.Context) ([]*SystemRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, guard, all_permissions, created_at, updated_at
		FROM system_roles
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*SystemRole
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}

	return roles, rows.Err()
}

// ReplaceRolePermissions sets the role's permissions to exactly perms.
//
// The old membership is cleared and the new one written in a single
// transaction, so concurrent readers see either the old or the new set.
// The transaction starts by touching the role row, which holds its row lock
// until commit: two replacements of the same role run one after the other
// and the stored set is always exactly one caller's declaration.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID int64, perms []Permission) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var guard string
		err := tx.QueryRowContext(ctx, `
			UPDATE system_roles SET updated_at = $2 WHERE id = $1 RETURNING guard
		`, roleID, time.Now().UTC()).Scan(&guard)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
		}
		if err != nil {
			return fmt.Errorf("failed to get role: %w", err)
		}

		ids := make(map[int64]struct{}, len(perms))
		for _, p := range perms {
			if p.Guard != guard {
				return storage.NewConfigurationError("system role", strconv.FormatInt(roleID, 10),
					"permission %q has guard %q, role guard is %q", p.Identifier, p.Guard, guard)
			}

			id := p.ID
			if id == 0 {
				err := tx.QueryRowContext(ctx, `
					SELECT id FROM permissions WHERE identifier = $1 AND guard = $2
				`, p.Identifier, p.Guard).Scan(&id)
				if errors.Is(err, sql.ErrNoRows) {
					return storage.NewConfigurationError("permission", p.Identifier, "not registered for guard %q", p.Guard)
				}
				if err != nil {
					return fmt.Errorf("failed to resolve permission: %w", err)
				}
			}
			ids[id] = struct{}{}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM role_has_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("failed to clear role permissions: %w", err)
		}

		sorted := make([]int64, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		for _, id := range sorted {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO role_has_permissions (role_id, permission_id) VALUES ($1, $2)
			`, roleID, id); err != nil {
				return fmt.Errorf("failed to assign permission: %w", err)
			}
		}

		return nil
	})
}

// HasPermission reports whether role grants identifier under guard. Roles
// flagged AllPermissions grant every identifier of their guard without
// consulting the membership table.
func (s *Store) HasPermission(ctx context.Context, role *SystemRole, identifier, guard string) (bool, error) {
	if role.Guard != guard {
		return false, nil
	}
	if role.AllPermissions {
		return true, nil
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM role_has_permissions rp
			JOIN permissions p ON p.id = rp.permission_id
			WHERE rp.role_id = $1 AND p.identifier = $2 AND p.guard = $3
		)
	`, role.ID, identifier, guard).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check permission: %w", err)
	}

	return exists, nil
}

// AssignRole gives a user a system role. Assigning a held role is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM system_roles WHERE id = $1)`, roleID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check role: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_system_roles (user_id, role_id, assigned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`, userID, roleID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}

	return nil
}

// RemoveRole removes a system role from a user
func (s *Store) RemoveRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_system_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	return nil
}

// RolesForUser returns the user's roles for a guard with permissions loaded.
// Roles and memberships are read in one statement so a concurrent
// ReplaceRolePermissions is observed entirely or not at all.
func (s *Store) RolesForUser(ctx context.Context, userID int64, guard string) ([]*SystemRole, error) {
	query := `
		SELECT r.id, r.name, r.guard, r.all_permissions, r.created_at, r.updated_at,
		       p.id, p.identifier, p.guard, p.created_at
		FROM user_system_roles ur
		JOIN system_roles r ON r.id = ur.role_id
		LEFT JOIN role_has_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1 AND r.guard = $2
		ORDER BY r.id, p.identifier
	`

	rows, err := s.db.QueryContext(ctx, query, userID, guard)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	var roles []*SystemRole
	byID := make(map[int64]*SystemRole)
	for rows.Next() {
		var role SystemRole
		var permID sql.NullInt64
		var permIdentifier, permGuard sql.NullString
		var permCreatedAt sql.NullTime

		if err := rows.Scan(
			&role.ID, &role.Name, &role.Guard, &role.AllPermissions, &role.CreatedAt, &role.UpdatedAt,
			&permID, &permIdentifier, &permGuard, &permCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}

		current, ok := byID[role.ID]
		if !ok {
			current = &role
			byID[role.ID] = current
			roles = append(roles, current)
		}

		if permID.Valid {
			current.Permissions = append(current.Permissions, Permission{
				ID:         permID.Int64,
				Identifier: permIdentifier.String,
				Guard:      permGuard.String,
				CreatedAt:  permCreatedAt.Time,
			})
		}
	}

	return roles, rows.Err()
}

func (s *Store) rolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.identifier, p.guard, p.created_at
		FROM role_has_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.identifier
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Identifier, &p.Guard, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}

	return perms, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*SystemRole, error) {
	var role SystemRole
	err := row.Scan(&role.ID, &role.Name, &role.Guard, &role.AllPermissions, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &role, nil
}
