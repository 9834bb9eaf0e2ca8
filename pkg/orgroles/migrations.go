package orgroles

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/storage"
)

const migrationsTable = "orgroles_schema_migrations"

// GetMigrations returns all organization role migrations in order
func GetMigrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create organization permission catalogue and role tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS organization_permissions (
					name VARCHAR(255) PRIMARY KEY,
					display_name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					category VARCHAR(100) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS organization_roles (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					permissions TEXT NOT NULL DEFAULT '[]',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					version BIGINT NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(organization_id, name)
				);

				CREATE TABLE IF NOT EXISTS organization_role_members (
					role_id BIGINT NOT NULL REFERENCES organization_roles(id) ON DELETE RESTRICT,
					user_id BIGINT NOT NULL,
					assigned_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_organization_roles_name ON organization_roles(name);
				CREATE INDEX IF NOT EXISTS idx_organization_role_members_user ON organization_role_members(user_id);
				CREATE INDEX IF NOT EXISTS idx_organization_permissions_category ON organization_permissions(category);
			`,
		},
	}
}

// RunMigrations applies pending organization role migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return storage.RunMigrations(ctx, db, migrationsTable, GetMigrations(), logger)
}
