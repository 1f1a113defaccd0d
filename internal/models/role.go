package models

import "time"

// Role groups permission strings and may inherit other roles. Inheritance
// forms a DAG; cycle rejection happens at write time in the role service.
type Role struct {
	ID          string    `json:"id" badgerhold:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	Inherits    []string  `json:"inherits,omitempty"`
	BuiltIn     bool      `json:"built_in"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BuiltinRoles returns the fixed role set seeded at first start. Built-in
// roles cannot be edited or deleted, and their ids cannot be reused.
func BuiltinRoles() []*Role {
	now := time.Now()
	mk := func(id, name, desc string, perms, inherits []string) *Role {
		return &Role{
			ID:          id,
			Name:        name,
			Description: desc,
			Permissions: perms,
			Inherits:    inherits,
			BuiltIn:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	return []*Role{
		mk("admin", "Administrator", "Full access to every resource and action",
			[]string{"*:*"}, nil),
		mk("operator", "Operator", "Run playbooks and manage the job queue",
			[]string{
				"jobs:submit", "jobs:view", "jobs:cancel",
				"playbooks:run", "playbooks:view",
				"workers:view", "logs:view",
			}, nil),
		mk("monitor", "Monitor", "Read-only view of jobs, workers and logs",
			[]string{"jobs:view", "workers:view", "playbooks:view", "logs:view"}, nil),
		mk("developer", "Developer", "Edit playbooks and run own jobs",
			[]string{
				"playbooks:view", "playbooks:edit",
				"jobs:submit", "jobs:view", "jobs:cancel", "logs:view",
			}, nil),
		mk("auditor", "Auditor", "Review all jobs, logs and audit entries",
			[]string{"audit:view", "jobs.all:view", "logs:view", "workers:view"}, nil),
		mk("servers_operator", "Servers Operator", "Run server playbooks",
			[]string{"playbooks.servers:run", "playbooks.servers:view", "jobs:submit", "jobs:view", "logs:view"}, nil),
		mk("servers_admin", "Servers Admin", "Full control of server playbooks",
			[]string{"playbooks.servers:*", "jobs.servers:*"},
			[]string{"servers_operator"}),
		mk("network_operator", "Network Operator", "Run network playbooks",
			[]string{"playbooks.network:run", "playbooks.network:view", "jobs:submit", "jobs:view", "logs:view"}, nil),
		mk("network_admin", "Network Admin", "Full control of network playbooks",
			[]string{"playbooks.network:*", "jobs.network:*"},
			[]string{"network_operator"}),
	}
}

// IsBuiltinRoleID reports whether the id belongs to the fixed built-in set
func IsBuiltinRoleID(id string) bool {
	switch id {
	case "admin", "operator", "monitor", "developer", "auditor",
		"servers_admin", "servers_operator", "network_admin", "network_operator":
		return true
	}
	return false
}
