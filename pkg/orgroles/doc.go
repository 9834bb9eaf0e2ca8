// Package orgroles stores tenant-defined roles and the organization permission
// catalogue.
//
// Every role belongs to exactly one organization and is addressed by
// (organization_id, name). Permissions are free-form strings held as a set;
// the catalogue is a display aid and is never enforced against role contents.
//
// Role permissions are stored as a JSON array guarded by a version column.
// Full replacement (DefineRole) is a single-row write; additive grants
// (GrantPermissions, BackfillPermissions) read, merge and write back with a
// compare-and-swap on version, retrying when another writer got there first.
package orgroles
