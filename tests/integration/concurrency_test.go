//go:build integration

package integration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/registry"
	"github.com/learnhub/keystone/pkg/superadmin"
)

func identifiers(perms []registry.Permission) string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Identifier)
	}
	sort.Strings(names)
	return fmt.Sprint(names)
}

func TestReplaceRolePermissions_ReadersSeeOldOrNewSet(t *testing.T) {
	ctx := context.Background()
	store := registry.NewStore(setupPostgres(t))

	_, _, err := store.EnsureRole(ctx, registry.RoleDeclaration{ID: 2, Name: "Trainer", Guard: registry.GuardWeb})
	require.NoError(t, err)
	var shared, x, y *registry.Permission
	for name, dst := range map[string]**registry.Permission{"courses.view": &shared, "sessions.manage": &x, "reports.view": &y} {
		*dst, err = store.EnsurePermission(ctx, name, registry.GuardWeb)
		require.NoError(t, err)
	}
	first := []registry.Permission{*shared, *x}
	second := []registry.Permission{*shared, *y}
	require.NoError(t, store.ReplaceRolePermissions(ctx, 2, first))
	require.NoError(t, store.AssignRole(ctx, 7, 2))

	allowed := map[string]bool{identifiers(first): true, identifiers(second): true}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			next := first
			if i%2 == 0 {
				next = second
			}
			assert.NoError(t, store.ReplaceRolePermissions(ctx, 2, next))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				roles, err := store.RolesForUser(ctx, 7, registry.GuardWeb)
				if !assert.NoError(t, err) || !assert.Len(t, roles, 1) {
					return
				}
				got := identifiers(roles[0].Permissions)
				assert.True(t, allowed[got], "reader saw %s", got)
			}
		}()
	}
	wg.Wait()
}

func TestReplaceRolePermissions_ConcurrentWritersNeverMerge(t *testing.T) {
	ctx := context.Background()
	store := registry.NewStore(setupPostgres(t))

	_, _, err := store.EnsureRole(ctx, registry.RoleDeclaration{ID: 3, Name: "Learner", Guard: registry.GuardWeb})
	require.NoError(t, err)

	declared := make([][]registry.Permission, 6)
	for i := range declared {
		for _, name := range []string{fmt.Sprintf("writer%d.a", i), fmt.Sprintf("writer%d.b", i)} {
			p, err := store.EnsurePermission(ctx, name, registry.GuardWeb)
			require.NoError(t, err)
			declared[i] = append(declared[i], *p)
		}
	}

	var wg sync.WaitGroup
	for round := 0; round < 10; round++ {
		for i := range declared {
			wg.Add(1)
			go func(perms []registry.Permission) {
				defer wg.Done()
				assert.NoError(t, store.ReplaceRolePermissions(ctx, 3, perms))
			}(declared[i])
		}
	}
	wg.Wait()

	role, err := store.GetRole(ctx, 3)
	require.NoError(t, err)
	got := identifiers(role.Permissions)
	matches := 0
	for _, perms := range declared {
		if identifiers(perms) == got {
			matches++
		}
	}
	assert.Equal(t, 1, matches, "stored set %s is not any single declaration", got)
}

func TestSetRolePermissions_ConcurrentWritersNeverMerge(t *testing.T) {
	ctx := context.Background()
	store := superadmin.NewStore(setupPostgres(t))

	role, _, err := store.EnsureRole(ctx, "support", superadmin.RoleAttrs{Name: "Support", Level: 2})
	require.NoError(t, err)

	declared := make([][]string, 6)
	for i := range declared {
		for _, action := range []string{"view", "manage"} {
			slug := fmt.Sprintf("module%d.%s", i, action)
			_, _, err := store.EnsurePermission(ctx, slug, superadmin.PermissionAttrs{
				Name: slug, Module: fmt.Sprintf("module%d", i), Action: action,
			})
			require.NoError(t, err)
			declared[i] = append(declared[i], slug)
		}
		sort.Strings(declared[i])
	}

	var wg sync.WaitGroup
	for round := 0; round < 10; round++ {
		for i := range declared {
			wg.Add(1)
			go func(slugs []string) {
				defer wg.Done()
				assert.NoError(t, store.SetRolePermissions(ctx, role.ID, slugs))
			}(declared[i])
		}
	}
	wg.Wait()

	got, err := store.RolePermissionSlugs(ctx, role.ID)
	require.NoError(t, err)
	assert.Contains(t, declared, got)
}

func TestDefineRole_ReadersSeeWholeDefinitions(t *testing.T) {
	ctx := context.Background()
	store := orgroles.NewStore(setupPostgres(t))

	first := []string{"organization.courses.view", "organization.courses.manage"}
	second := []string{"organization.courses.view", "organization.sessions.view", "organization.invoices.view"}
	_, _, err := store.DefineRole(ctx, orgroles.RoleDefinition{OrganizationID: 10, Name: "Tutor", Permissions: first})
	require.NoError(t, err)
	require.NoError(t, store.AssignUser(ctx, 10, "Tutor", 21))

	allowed := map[string]bool{
		fmt.Sprint(orgroles.NewPermissionSet(first...).Slice()):  true,
		fmt.Sprint(orgroles.NewPermissionSet(second...).Slice()): true,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			perms := first
			if i%2 == 0 {
				perms = second
			}
			_, _, err := store.DefineRole(ctx, orgroles.RoleDefinition{OrganizationID: 10, Name: "Tutor", Permissions: perms})
			assert.NoError(t, err)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				roles, err := store.RolesForUser(ctx, 10, 21)
				if !assert.NoError(t, err) || !assert.Len(t, roles, 1) {
					return
				}
				got := fmt.Sprint(roles[0].Permissions.Slice())
				assert.True(t, allowed[got], "reader saw %s", got)
			}
		}()
	}
	wg.Wait()
}
