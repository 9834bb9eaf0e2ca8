// Package reconcile applies a declarative YAML manifest to the permission
// stores.
//
// A manifest declares platform permissions and system roles, the organization
// catalogue with the role templates new tenants receive, permission backfills
// for existing tenants, and the super-admin console's permissions and leveled
// roles. Apply upserts each section in dependency order and returns a Report
// of what was created, updated, left unchanged or skipped.
//
// Manifests are read from a file or an S3 object (see OpenSource). A
// long-running process can re-apply on change with Watch or on a cron
// schedule with Scheduler.
//
// # Manifest example
//
//	platform:
//	  permissions:
//	    - guard: web
//	      identifiers: [courses.view, courses.manage]
//	  roles:
//	    - id: 1
//	      name: Super Administrator
//	      guard: web
//	      all_permissions: true
//	organizations:
//	  use_default_catalogue: true
//	  use_default_templates: true
//	  provision: [10, 11]
//	super_admin:
//	  permissions:
//	    - {slug: users.view, name: View users, module: users, action: view}
//	  roles:
//	    - {slug: owner, name: Owner, level: 0, type: system, permissions: [users.view]}
package reconcile
