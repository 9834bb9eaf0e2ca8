package superadmin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ledger records super-admin role grants. It is a pure record store: who may
// grant what is decided by the caller.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger creates a new grant ledger
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Grant activates roleID for userID, stamping assigned_at and assigned_by.
// Re-granting updates the existing row; there is never more than one row per
// (user, role).
func (l *Ledger) Grant(ctx context.Context, userID, roleID, grantedBy int64) (*Grant, error) {
	var exists bool
	if err := l.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM superadmin_roles WHERE id = $1)`, roleID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check super-admin role: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}

	query := `
		INSERT INTO superadmin_role_grants (user_id, role_id, assigned_by, assigned_at, is_active, revoked_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (user_id, role_id) DO UPDATE
		SET assigned_by = excluded.assigned_by,
		    assigned_at = excluded.assigned_at,
		    is_active = excluded.is_active,
		    revoked_at = NULL
	`
	if _, err := l.db.ExecContext(ctx, query, userID, roleID, grantedBy, l.now(), true); err != nil {
		return nil, fmt.Errorf("failed to grant super-admin role: %w", err)
	}

	return l.GetGrant(ctx, userID, roleID)
}

// Revoke deactivates a grant. The row is kept as history.
func (l *Ledger) Revoke(ctx context.Context, userID, roleID int64) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE superadmin_role_grants
		SET is_active = $1, revoked_at = $2
		WHERE user_id = $3 AND role_id = $4
	`, false, l.now(), userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to revoke super-admin role: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: user %d role %d", ErrGrantNotFound, userID, roleID)
	}

	return nil
}

// GetGrant retrieves the ledger row for (user, role)
func (l *Ledger) GetGrant(ctx context.Context, userID, roleID int64) (*Grant, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT g.id, g.user_id, g.role_id, r.slug, g.assigned_by, g.assigned_at, g.is_active, g.revoked_at
		FROM superadmin_role_grants g
		JOIN superadmin_roles r ON r.id = g.role_id
		WHERE g.user_id = $1 AND g.role_id = $2
	`, userID, roleID)

	grant, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d role %d", ErrGrantNotFound, userID, roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get super-admin grant: %w", err)
	}
	return grant, nil
}

// GrantsFor returns every ledger row for a user, active or not
func (l *Ledger) GrantsFor(ctx context.Context, userID int64) ([]Grant, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT g.id, g.user_id, g.role_id, r.slug, g.assigned_by, g.assigned_at, g.is_active, g.revoked_at
		FROM superadmin_role_grants g
		JOIN superadmin_roles r ON r.id = g.role_id
		WHERE g.user_id = $1
		ORDER BY g.assigned_at DESC, g.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list super-admin grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan super-admin grant: %w", err)
		}
		grants = append(grants, *grant)
	}
	return grants, rows.Err()
}

// ActiveRolesFor returns the user's roles where both the grant and the role
// are active, with active permission slugs loaded. Everything is read in one
// statement.
func (l *Ledger) ActiveRolesFor(ctx context.Context, userID int64) ([]*Role, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.slug, r.description, r.type, r.is_default, r.level, r.is_active, r.created_at, r.updated_at,
		       p.slug
		FROM superadmin_role_grants g
		JOIN superadmin_roles r ON r.id = g.role_id
		LEFT JOIN superadmin_role_permissions rp ON rp.role_id = r.id
		LEFT JOIN superadmin_permissions p ON p.id = rp.permission_id AND p.is_active = $2
		WHERE g.user_id = $1 AND g.is_active = $2 AND r.is_active = $2
		ORDER BY r.level, r.slug, p.slug
	`, userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get active super-admin roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	byID := make(map[int64]*Role)
	for rows.Next() {
		var role Role
		var roleType string
		var permSlug sql.NullString

		if err := rows.Scan(
			&role.ID, &role.Name, &role.Slug, &role.Description, &roleType,
			&role.IsDefault, &role.Level, &role.IsActive, &role.CreatedAt, &role.UpdatedAt,
			&permSlug,
		); err != nil {
			return nil, fmt.Errorf("failed to scan active super-admin role: %w", err)
		}
		role.Type = RoleType(roleType)

		current, ok := byID[role.ID]
		if !ok {
			current = &role
			byID[role.ID] = current
			roles = append(roles, current)
		}
		if permSlug.Valid {
			current.Permissions = append(current.Permissions, permSlug.String)
		}
	}

	return roles, rows.Err()
}

// HasActiveSupremeGrant reports whether anyone holds an active level-0 role.
func (l *Ledger) HasActiveSupremeGrant(ctx context.Context) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM superadmin_role_grants g
			JOIN superadmin_roles r ON r.id = g.role_id
			WHERE g.is_active = $1 AND r.is_active = $1 AND r.level = $2
		)
	`, true, SupremeLevel).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check supreme grants: %w", err)
	}
	return exists, nil
}

func scanGrant(row rowScanner) (*Grant, error) {
	var grant Grant
	var revokedAt sql.NullTime
	err := row.Scan(
		&grant.ID,
		&grant.UserID,
		&grant.RoleID,
		&grant.RoleSlug,
		&grant.AssignedBy,
		&grant.AssignedAt,
		&grant.IsActive,
		&revokedAt,
	)
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		grant.RevokedAt = &t
	}
	return &grant, nil
}
