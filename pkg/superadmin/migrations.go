package superadmin

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/storage"
)

const migrationsTable = "superadmin_schema_migrations"

// GetMigrations returns all super-admin migrations in order
func GetMigrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create super-admin roles and permissions",
			SQL: `
				CREATE TABLE IF NOT EXISTS superadmin_roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					type VARCHAR(20) NOT NULL DEFAULT 'custom' CHECK (type IN ('system', 'custom')),
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					level INT NOT NULL CHECK (level >= 0),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS superadmin_permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL UNIQUE,
					module VARCHAR(100) NOT NULL,
					action VARCHAR(100) NOT NULL,
					group_name VARCHAR(100) NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS superadmin_role_permissions (
					role_id BIGINT NOT NULL REFERENCES superadmin_roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES superadmin_permissions(id) ON DELETE CASCADE,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_superadmin_roles_level ON superadmin_roles(level);
			`,
		},
		{
			Version:     2,
			Description: "Create super-admin grant ledger",
			SQL: `
				CREATE TABLE IF NOT EXISTS superadmin_role_grants (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES superadmin_roles(id) ON DELETE RESTRICT,
					assigned_by BIGINT NOT NULL,
					assigned_at TIMESTAMP NOT NULL DEFAULT NOW(),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					revoked_at TIMESTAMP,
					UNIQUE(user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_superadmin_role_grants_user ON superadmin_role_grants(user_id);
				CREATE INDEX IF NOT EXISTS idx_superadmin_role_grants_active ON superadmin_role_grants(role_id) WHERE is_active;
			`,
		},
	}
}

// RunMigrations applies pending super-admin migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return storage.RunMigrations(ctx, db, migrationsTable, GetMigrations(), logger)
}
