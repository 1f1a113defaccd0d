package auth

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// roleMap is an in-memory RoleStorage for deterministic engine fixtures
type roleMap map[string]*models.Role

func (m roleMap) Save(role *models.Role) error {
	m[role.ID] = role
	return nil
}

func (m roleMap) Get(id string) (*models.Role, error) {
	role, ok := m[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return role, nil
}

func (m roleMap) List() ([]*models.Role, error) {
	var roles []*models.Role
	for _, r := range m {
		roles = append(roles, r)
	}
	return roles, nil
}

func (m roleMap) Delete(id string) error {
	if _, ok := m[id]; !ok {
		return interfaces.ErrNotFound
	}
	delete(m, id)
	return nil
}

func builtinRoleMap() roleMap {
	m := make(roleMap)
	for _, r := range models.BuiltinRoles() {
		m[r.ID] = r
	}
	return m
}

func TestMatchPermission(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		// Exact and wildcard action
		{"playbooks.servers:*", "playbooks.servers:run", true},
		{"playbooks.servers:run", "playbooks.servers:run", true},
		{"playbooks.servers:view", "playbooks.servers:run", false},

		// Sibling resources never match
		{"playbooks.servers:*", "playbooks.network:run", false},
		{"playbooks.servers:run", "playbooks.network:run", false},

		// Granting the parent covers every child
		{"playbooks:run", "playbooks.servers.web:run", true},
		{"playbooks:*", "playbooks.network:view", true},

		// Granting a child also satisfies the bare parent resource;
		// hierarchical roles rely on this direction too
		{"playbooks.servers:*", "playbooks:view", true},
		{"playbooks.servers:run", "playbooks:run", true},

		// Prefix means dotted segments, not string prefixes
		{"playbooks.serv:run", "playbooks.servers:run", false},
		{"play:run", "playbooks:run", false},

		// Required wildcard action is satisfied by any granted action
		{"playbooks:view", "playbooks:*", true},

		// Full wildcard
		{"*:*", "anything.at.all:whatever", true},
		{"*:view", "jobs:view", true},
		{"*:view", "jobs:cancel", false},

		// Malformed permissions never match
		{"playbooks", "playbooks:view", false},
		{"playbooks:view", "playbooks", false},
		{":view", "playbooks:view", false},
		{"playbooks:", "playbooks:view", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s vs %s", tt.granted, tt.required), func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPermission(tt.granted, tt.required))
		})
	}
}

func TestEffectivePermissionsInheritance(t *testing.T) {
	roles := builtinRoleMap()
	engine := NewEngine(roles, arbor.NewLogger())

	// network_admin inherits network_operator
	perms := engine.EffectivePermissions([]string{"network_admin"})
	assert.Contains(t, perms, "playbooks.network:*")
	assert.Contains(t, perms, "playbooks.network:run")
	assert.Contains(t, perms, "jobs:submit")

	// Unknown roles contribute nothing
	perms = engine.EffectivePermissions([]string{"no_such_role"})
	assert.Empty(t, perms)
}

func TestEffectivePermissionsCycleTerminates(t *testing.T) {
	roles := roleMap{
		"a": {ID: "a", Permissions: []string{"jobs:view"}, Inherits: []string{"b"}},
		"b": {ID: "b", Permissions: []string{"logs:view"}, Inherits: []string{"a"}},
	}
	engine := NewEngine(roles, arbor.NewLogger())

	perms := engine.EffectivePermissions([]string{"a"})
	assert.ElementsMatch(t, []string{"jobs:view", "logs:view"}, perms)
}

func TestHasPermissionHierarchy(t *testing.T) {
	roles := builtinRoleMap()
	engine := NewEngine(roles, arbor.NewLogger())

	// A servers-scoped admin can run server playbooks but not network ones
	assert.True(t, engine.HasPermission([]string{"servers_admin"}, "playbooks.servers:run"))
	assert.False(t, engine.HasPermission([]string{"servers_admin"}, "playbooks.network:run"))

	// The scoped grant still opens the parent playbooks listing
	assert.True(t, engine.HasPermission([]string{"servers_admin"}, "playbooks:view"))

	// Full admin passes everything
	assert.True(t, engine.HasPermission([]string{"admin"}, "playbooks.network:run"))
	assert.True(t, engine.HasPermission([]string{"admin"}, "audit:view"))

	// Monitor is read-only
	assert.True(t, engine.HasPermission([]string{"monitor"}, "jobs:view"))
	assert.False(t, engine.HasPermission([]string{"monitor"}, "jobs:submit"))
}

func TestAccessibleTags(t *testing.T) {
	roles := builtinRoleMap()
	roles["mixed"] = &models.Role{
		ID:          "mixed",
		Permissions: []string{"playbooks.servers:view", "playbooks.network:run"},
	}
	engine := NewEngine(roles, arbor.NewLogger())

	tags, unlimited := engine.AccessibleTags([]string{"servers_operator"}, "playbooks")
	assert.False(t, unlimited)
	assert.Equal(t, []string{"servers"}, tags)

	tags, unlimited = engine.AccessibleTags([]string{"mixed"}, "playbooks")
	assert.False(t, unlimited)
	assert.Equal(t, []string{"network", "servers"}, tags)

	_, unlimited = engine.AccessibleTags([]string{"admin"}, "playbooks")
	assert.True(t, unlimited)

	// jobs.all:view from the auditor role opens every jobs tag
	_, unlimited = engine.AccessibleTags([]string{"auditor"}, "jobs")
	assert.True(t, unlimited)

	// A bare resource grant without tags yields no tag scope
	tags, unlimited = engine.AccessibleTags([]string{"monitor"}, "playbooks")
	assert.False(t, unlimited)
	assert.Empty(t, tags)
}

func TestCanModifyOwnership(t *testing.T) {
	roles := roleMap{
		"all_canceller": {ID: "all_canceller", Permissions: []string{"jobs.all:cancel"}},
		"own_canceller": {ID: "own_canceller", Permissions: []string{"jobs.own:cancel"}},
		"srv_canceller": {ID: "srv_canceller", Permissions: []string{"jobs.servers:cancel"}},
		"blanket":       {ID: "blanket", Permissions: []string{"jobs:cancel"}},
	}
	engine := NewEngine(roles, arbor.NewLogger())

	// jobs.all covers foreign records
	assert.True(t, engine.CanModify([]string{"all_canceller"}, "jobs", "cancel", false))

	// jobs.own only helps when the caller owns the record
	assert.False(t, engine.CanModify([]string{"own_canceller"}, "jobs", "cancel", false))
	assert.True(t, engine.CanModify([]string{"own_canceller"}, "jobs", "cancel", true))

	// A tag-scoped grant does not satisfy jobs.all
	assert.False(t, engine.CanModify([]string{"srv_canceller"}, "jobs", "cancel", false))

	// The bare resource grant covers jobs.all by prefix
	assert.True(t, engine.CanModify([]string{"blanket"}, "jobs", "cancel", false))
}
