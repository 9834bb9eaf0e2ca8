package orgroles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/learnhub/keystone/pkg/storage"
)

const maxUpdateAttempts = 5

// Store persists organization roles and the permission catalogue
type Store struct {
	db *sql.DB
}

// NewStore creates a new organization role store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsurePermission creates or refreshes a catalogue entry keyed by name.
func (s *Store) EnsurePermission(ctx context.Context, perm Permission) (Change, error) {
	if perm.Name == "" {
		return "", storage.NewConfigurationError("organization permission", perm.Name, "name is required")
	}

	var existing Permission
	err := s.db.QueryRowContext(ctx, `
		SELECT name, display_name, description, category
		FROM organization_permissions
		WHERE name = $1
	`, perm.Name).Scan(&existing.Name, &existing.DisplayName, &existing.Description, &existing.Category)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to get organization permission: %w", err)
	}

	change := ChangeCreated
	if err == nil {
		if existing.DisplayName == perm.DisplayName &&
			existing.Description == perm.Description &&
			existing.Category == perm.Category {
			return ChangeUnchanged, nil
		}
		change = ChangeUpdated
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO organization_permissions (name, display_name, description, category, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET display_name = excluded.display_name,
		    description = excluded.description,
		    category = excluded.category,
		    updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, perm.Name, perm.DisplayName, perm.Description, perm.Category, now, now); err != nil {
		return "", fmt.Errorf("failed to upsert organization permission: %w", err)
	}

	return change, nil
}

// ListPermissions returns the catalogue ordered by category and name
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, display_name, description, category, created_at, updated_at
		FROM organization_permissions
		ORDER BY category, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organization permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Name, &p.DisplayName, &p.Description, &p.Category, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization permission: %w", err)
		}
		perms = append(perms, p)
	}

	return perms, rows.Err()
}

// PermissionsByCategory groups the catalogue for display
func (s *Store) PermissionsByCategory(ctx context.Context) (map[string][]Permission, error) {
	perms, err := s.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]Permission)
	for _, p := range perms {
		grouped[p.Category] = append(grouped[p.Category], p)
	}
	return grouped, nil
}

// DefineRole creates the role or replaces its description and permissions.
// Activation state is left as it is.
func (s *Store) DefineRole(ctx context.Context, def RoleDefinition) (*Role, Change, error) {
	if def.Name == "" {
		return nil, "", storage.NewConfigurationError("organization role", def.Name, "name is required")
	}
	if def.OrganizationID <= 0 {
		return nil, "", storage.NewConfigurationError("organization role", def.Name, "organization id must be positive, got %d", def.OrganizationID)
	}
	perms := NewPermissionSet(def.Permissions...)

	var change Change
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := s.getRole(ctx, tx, def.OrganizationID, def.Name)
		if err != nil && !errors.Is(err, ErrRoleNotFound) {
			return err
		}

		now := time.Now().UTC()
		if existing == nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO organization_roles (organization_id, name, description, permissions, is_active, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
				ON CONFLICT (organization_id, name) DO UPDATE
				SET description = excluded.description,
				    permissions = excluded.permissions,
				    version = organization_roles.version + 1,
				    updated_at = excluded.updated_at
			`, def.OrganizationID, def.Name, def.Description, perms, true, now, now)
			if err != nil {
				return fmt.Errorf("failed to create organization role: %w", err)
			}
			change = ChangeCreated
			return nil
		}

		if existing.Description == def.Description && existing.Permissions.Equal(perms) {
			change = ChangeUnchanged
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE organization_roles
			SET description = $1, permissions = $2, version = version + 1, updated_at = $3
			WHERE id = $4
		`, def.Description, perms, now, existing.ID)
		if err != nil {
			return fmt.Errorf("failed to update organization role: %w", err)
		}
		change = ChangeUpdated
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	role, err := s.GetRole(ctx, def.OrganizationID, def.Name)
	if err != nil {
		return nil, "", err
	}
	return role, change, nil
}

// GetRole retrieves an organization role by name
func (s *Store) GetRole(ctx context.Context, orgID int64, name string) (*Role, error) {
	return s.getRole(ctx, s.db, orgID, name)
}

func (s *Store) getRole(ctx context.Context, q storage.Querier, orgID int64, name string) (*Role, error) {
	role, err := scanRole(q.QueryRowContext(ctx, `
		SELECT id, organization_id, name, description, permissions, is_active, version, created_at, updated_at
		FROM organization_roles
		WHERE organization_id = $1 AND name = $2
	`, orgID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q in organization %d", ErrRoleNotFound, name, orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization role: %w", err)
	}
	return role, nil
}

// GrantPermission adds a single permission to a role. Granting a permission
// the role already has is a no-op.
func (s *Store) GrantPermission(ctx context.Context, orgID int64, roleName, permission string) error {
	_, err := s.GrantPermissions(ctx, orgID, roleName, permission)
	return err
}

// GrantPermissions adds permissions to a role as a set union and reports
// whether anything changed. Concurrent grants to the same role are merged,
// never lost.
func (s *Store) GrantPermissions(ctx context.Context, orgID int64, roleName string, permissions ...string) (bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		role, err := s.GetRole(ctx, orgID, roleName)
		if err != nil {
			return false, err
		}

		merged, added := role.Permissions.Union(permissions...)
		if !added {
			return false, nil
		}

		result, err := s.db.ExecContext(ctx, `
			UPDATE organization_roles
			SET permissions = $1, version = version + 1, updated_at = $2
			WHERE id = $3 AND version = $4
		`, merged, time.Now().UTC(), role.ID, role.Version)
		if err != nil {
			return false, fmt.Errorf("failed to grant organization permissions: %w", err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 1 {
			return true, nil
		}
	}

	return false, fmt.Errorf("%w: %q in organization %d", ErrConcurrentUpdate, roleName, orgID)
}

// BackfillPermissions grants permissions to the role named roleName in every
// organization that has one, returning how many roles changed.
func (s *Store) BackfillPermissions(ctx context.Context, roleName string, permissions ...string) (int, error) {
	orgIDs, err := s.OrganizationsWithRole(ctx, roleName)
	if err != nil {
		return 0, err
	}
	if len(orgIDs) == 0 {
		return 0, fmt.Errorf("%w: %q in any organization", ErrRoleNotFound, roleName)
	}

	changed := 0
	for _, orgID := range orgIDs {
		ok, err := s.GrantPermissions(ctx, orgID, roleName, permissions...)
		if errors.Is(err, ErrRoleNotFound) {
			// Deleted since listing.
			continue
		}
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}

	return changed, nil
}

// OrganizationsWithRole lists organizations owning a role named roleName
func (s *Store) OrganizationsWithRole(ctx context.Context, roleName string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id FROM organization_roles WHERE name = $1 ORDER BY organization_id
	`, roleName)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations with role: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// SetActive activates or deactivates a role without touching its permissions
func (s *Store) SetActive(ctx context.Context, orgID int64, roleName string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE organization_roles
		SET is_active = $1, version = version + 1, updated_at = $2
		WHERE organization_id = $3 AND name = $4
	`, active, time.Now().UTC(), orgID, roleName)
	if err != nil {
		return fmt.Errorf("failed to set organization role activation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q in organization %d", ErrRoleNotFound, roleName, orgID)
	}

	return nil
}

// DeleteRole removes a role nobody holds. Held roles must be deactivated
// instead.
func (s *Store) DeleteRole(ctx context.Context, orgID int64, roleName string) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		role, err := s.getRole(ctx, tx, orgID, roleName)
		if err != nil {
			return err
		}

		var members int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM organization_role_members WHERE role_id = $1
		`, role.ID).Scan(&members); err != nil {
			return fmt.Errorf("failed to count role members: %w", err)
		}
		if members > 0 {
			return fmt.Errorf("%w: %q has %d members", ErrRoleInUse, roleName, members)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM organization_roles WHERE id = $1`, role.ID); err != nil {
			return fmt.Errorf("failed to delete organization role: %w", err)
		}
		return nil
	})
}

// RolesFor returns every role owned by an organization
func (s *Store) RolesFor(ctx context.Context, orgID int64) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, description, permissions, is_active, version, created_at, updated_at
		FROM organization_roles
		WHERE organization_id = $1
		ORDER BY name
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organization roles: %w", err)
	}
	defer rows.Close()

	return scanRoles(rows)
}

// AssignUser gives a user a role within the organization
func (s *Store) AssignUser(ctx context.Context, orgID int64, roleName string, userID int64) error {
	role, err := s.GetRole(ctx, orgID, roleName)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organization_role_members (role_id, user_id, assigned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, user_id) DO NOTHING
	`, role.ID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to assign organization role: %w", err)
	}

	return nil
}

// RemoveUser removes a user from a role within the organization
func (s *Store) RemoveUser(ctx context.Context, orgID int64, roleName string, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM organization_role_members
		WHERE user_id = $1 AND role_id IN (
			SELECT id FROM organization_roles WHERE organization_id = $2 AND name = $3
		)
	`, userID, orgID, roleName)
	if err != nil {
		return fmt.Errorf("failed to remove organization role: %w", err)
	}
	return nil
}

// RolesForUser returns the roles a user holds inside one organization,
// including inactive ones. Roles of other organizations are never returned.
func (s *Store) RolesForUser(ctx context.Context, orgID, userID int64) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.organization_id, r.name, r.description, r.permissions, r.is_active, r.version, r.created_at, r.updated_at
		FROM organization_role_members m
		JOIN organization_roles r ON r.id = m.role_id
		WHERE r.organization_id = $1 AND m.user_id = $2
		ORDER BY r.name
	`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user organization roles: %w", err)
	}
	defer rows.Close()

	return scanRoles(rows)
}

// ProvisionOrganization creates the template roles an organization is
// missing. Roles that already exist are left alone, so re-running
// provisioning never duplicates roles or overwrites tenant edits.
func (s *Store) ProvisionOrganization(ctx context.Context, orgID int64, templates []RoleTemplate) (*ProvisionResult, error) {
	result := &ProvisionResult{}
	for _, tmpl := range templates {
		if tmpl.Name == "" {
			return result, storage.NewConfigurationError("organization role template", "", "name is required")
		}

		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO organization_roles (organization_id, name, description, permissions, is_active, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
			ON CONFLICT (organization_id, name) DO NOTHING
		`, orgID, tmpl.Name, tmpl.Description, NewPermissionSet(tmpl.Permissions...), true, now, now)
		if err != nil {
			return result, fmt.Errorf("failed to provision role %q: %w", tmpl.Name, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 1 {
			result.Created = append(result.Created, tmpl.Name)
		} else {
			result.Unchanged = append(result.Unchanged, tmpl.Name)
		}
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var role Role
	err := row.Scan(
		&role.ID,
		&role.OrganizationID,
		&role.Name,
		&role.Description,
		&role.Permissions,
		&role.Active,
		&role.Version,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func scanRoles(rows *sql.Rows) ([]*Role, error) {
	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
