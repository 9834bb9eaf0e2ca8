// Package storage provides the persistence plumbing shared by the keystone
// stores.
//
// # Overview
//
// The registry, organization role and super-admin stores each own their own
// tables but share the same building blocks:
//
//   - Open: a configured PostgreSQL connection pool (lib/pq)
//   - RunMigrations: a versioned migration runner with a per-store tracking table
//   - WithTx: commit-or-rollback transaction helper used for atomic swaps
//   - ConfigurationError and ErrRoleNotFound: the error taxonomy reconciliation
//     relies on to decide between aborting and skipping
//
// # Placeholders
//
// All statements use PostgreSQL style $N placeholders. SQLite accepts the same
// syntax, which is what the store tests run against.
package storage
