package registry

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/storage"
)

const migrationsTable = "registry_schema_migrations"

// GetMigrations returns all registry migrations in order
func GetMigrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create permission registry and system role tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					identifier VARCHAR(255) NOT NULL,
					guard VARCHAR(64) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(identifier, guard)
				);

				CREATE TABLE IF NOT EXISTS system_roles (
					id BIGINT PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					guard VARCHAR(64) NOT NULL,
					all_permissions BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(name, guard)
				);

				CREATE TABLE IF NOT EXISTS role_has_permissions (
					role_id BIGINT NOT NULL REFERENCES system_roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE RESTRICT,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE TABLE IF NOT EXISTS user_system_roles (
					user_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES system_roles(id) ON DELETE CASCADE,
					assigned_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_has_permissions_permission ON role_has_permissions(permission_id);
				CREATE INDEX IF NOT EXISTS idx_user_system_roles_user ON user_system_roles(user_id);
			`,
		},
	}
}

// RunMigrations applies pending registry migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return storage.RunMigrations(ctx, db, migrationsTable, GetMigrations(), logger)
}
