// Package superadmin implements the leveled role system used to operate the
// platform, together with the grant ledger that records every assignment.
//
// Roles and permissions are addressed by slug. A role's level orders
// administrative reach (lower is stronger, 0 is supreme) and is independent
// of the permissions the role carries.
//
// The ledger keeps one row per (user, role). Granting reactivates and
// re-stamps the row, revoking deactivates it; rows are never deleted.
package superadmin
