package reconcile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/keystone/pkg/storage"
)

const testManifest = `
platform:
  permissions:
    - guard: web
      identifiers: [courses.view, courses.manage, users.manage]
    - guard: api
      identifiers: [courses.view]
  roles:
    - id: 1
      name: Super Administrator
      guard: web
      all_permissions: true
    - id: 2
      name: Trainer
      guard: web
      permissions: [courses.view]
organizations:
  catalogue:
    - name: organization.courses.view
      display_name: View courses
      category: courses
    - name: organization.invoices.view
      display_name: View invoices
      category: finance
  templates:
    - name: Client
      permissions: [organization.courses.view]
  provision: [10, 11, 10]
  roles:
    - organization_id: 10
      name: Auditor
      permissions: [organization.invoices.view]
  backfills:
    - role: Client
      permissions: [organization.invoices.view]
super_admin:
  permissions:
    - slug: users.view
      name: View users
      module: users
      action: view
    - slug: users.manage
      name: Manage users
      module: users
      action: manage
  roles:
    - slug: owner
      name: Owner
      type: system
      level: 0
      permissions: [users.view, users.manage]
    - slug: support
      name: Support
      level: 2
      permissions: [users.view]
`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(testManifest))
	require.NoError(t, err)

	require.Len(t, m.Platform.Permissions, 2)
	assert.Equal(t, "api", m.Platform.Permissions[1].Guard)
	require.Len(t, m.Platform.Roles, 2)
	assert.True(t, m.Platform.Roles[0].AllPermissions)
	assert.Equal(t, []int64{10, 11, 10}, m.Organizations.Provision)
	assert.Equal(t, "Client", m.Organizations.Backfills[0].Role)
	assert.Equal(t, 2, m.SuperAdmin.Roles[1].Level)
	assert.Equal(t, 4, m.Organizations.concurrency())
}

func TestParse_Empty(t *testing.T) {
	m, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, m.Platform.Roles)
	assert.Empty(t, m.SuperAdmin.Roles)
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse(strings.NewReader("platform:\n  permisions: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permisions")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{
			name:     "unknown guard",
			manifest: "platform:\n  permissions:\n    - guard: cli\n      identifiers: [a]\n",
		},
		{
			name:     "role without id",
			manifest: "platform:\n  roles:\n    - name: Admin\n      guard: web\n",
		},
		{
			name:     "negative level",
			manifest: "super_admin:\n  roles:\n    - {slug: a, name: A, level: -1}\n",
		},
		{
			name:     "unknown role type",
			manifest: "super_admin:\n  roles:\n    - {slug: a, name: A, level: 1, type: builtin}\n",
		},
		{
			name:     "backfill without permissions",
			manifest: "organizations:\n  backfills:\n    - role: Client\n",
		},
		{
			name:     "duplicate role id",
			manifest: "platform:\n  roles:\n    - {id: 1, name: A, guard: web}\n    - {id: 1, name: B, guard: web}\n",
		},
		{
			name:     "duplicate role name",
			manifest: "platform:\n  roles:\n    - {id: 1, name: A, guard: web}\n    - {id: 2, name: A, guard: web}\n",
		},
		{
			name:     "duplicate super-admin slug",
			manifest: "super_admin:\n  roles:\n    - {slug: a, name: A, level: 1}\n    - {slug: a, name: B, level: 2}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.manifest))
			require.Error(t, err)
			assert.True(t, storage.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestParse_SameNameDifferentGuard(t *testing.T) {
	_, err := Parse(strings.NewReader("platform:\n  roles:\n    - {id: 1, name: A, guard: web}\n    - {id: 2, name: A, guard: api}\n"))
	assert.NoError(t, err)
}

func TestOrganizationSection_Defaults(t *testing.T) {
	s := OrganizationSection{UseDefaultCatalogue: true, UseDefaultTemplates: true, Concurrency: 8}
	assert.NotEmpty(t, s.catalogue())
	assert.NotEmpty(t, s.templates())
	assert.Equal(t, 8, s.concurrency())

	assert.Empty(t, OrganizationSection{}.catalogue())
}
