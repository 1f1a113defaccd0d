package auth

import (
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
)

// Engine evaluates hierarchical wildcard permissions of the form
// resource:action and resolves role inheritance into effective
// permission sets.
type Engine struct {
	roles  interfaces.RoleStorage
	logger arbor.ILogger
}

// NewEngine creates a permission engine backed by the role store
func NewEngine(roles interfaces.RoleStorage, logger arbor.ILogger) *Engine {
	return &Engine{
		roles:  roles,
		logger: logger,
	}
}

// MatchPermission reports whether a granted permission satisfies a
// required one. Resources match on equality, wildcard, or a dotted
// prefix in either direction: granting playbooks covers
// playbooks.servers, and granting playbooks.servers also covers a
// requirement on the bare playbooks resource. The reverse direction
// keeps tag-scoped role definitions compact.
func MatchPermission(granted, required string) bool {
	if granted == "*:*" {
		return true
	}

	gr, ga, ok := splitPermission(granted)
	if !ok {
		return false
	}
	rr, ra, ok := splitPermission(required)
	if !ok {
		return false
	}

	if ga != "*" && ra != "*" && ga != ra {
		return false
	}

	if gr == "*" || gr == rr {
		return true
	}
	return strings.HasPrefix(rr, gr+".") || strings.HasPrefix(gr, rr+".")
}

func splitPermission(p string) (resource, action string, ok bool) {
	resource, action, ok = strings.Cut(p, ":")
	if !ok || resource == "" || action == "" {
		return "", "", false
	}
	return resource, action, true
}

// EffectivePermissions walks the inheritance graph depth-first from the
// given role ids and returns the union of all permission strings.
// Visited roles terminate traversal, so a cycle that slipped past write
// validation cannot hang evaluation. Unknown role ids contribute nothing.
func (e *Engine) EffectivePermissions(roleIDs []string) []string {
	seen := make(map[string]struct{})
	visited := make(map[string]bool)

	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		role, err := e.roles.Get(id)
		if err != nil {
			e.logger.Debug().Str("role_id", id).Msg("Skipping unknown role during permission resolution")
			return
		}
		for _, p := range role.Permissions {
			seen[p] = struct{}{}
		}
		for _, parent := range role.Inherits {
			walk(parent)
		}
	}

	for _, id := range roleIDs {
		walk(id)
	}

	perms := make([]string, 0, len(seen))
	for p := range seen {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// HasPermission reports whether any role in the set grants the required
// permission.
func (e *Engine) HasPermission(roleIDs []string, required string) bool {
	for _, granted := range e.EffectivePermissions(roleIDs) {
		if MatchPermission(granted, required) {
			return true
		}
	}
	return false
}

// AccessibleTags returns the first-level resource qualifiers a role set
// may touch, e.g. {servers, network} for grants on playbooks.servers and
// playbooks.network. Unlimited is true when the set holds *:*, a bare
// resource wildcard, or the resource.all qualifier.
func (e *Engine) AccessibleTags(roleIDs []string, resource string) (tags []string, unlimited bool) {
	perms := e.EffectivePermissions(roleIDs)
	prefix := resource + "."

	set := make(map[string]struct{})
	for _, p := range perms {
		r, _, ok := splitPermission(p)
		if !ok {
			continue
		}
		if r == "*" || p == resource+":*" {
			return nil, true
		}
		if !strings.HasPrefix(r, prefix) {
			continue
		}
		tag := strings.SplitN(strings.TrimPrefix(r, prefix), ".", 2)[0]
		switch tag {
		case "", "own":
			continue
		case "all":
			return nil, true
		}
		set[tag] = struct{}{}
	}

	tags = make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, false
}

// CanModify applies the ownership rule: resource.all:action always
// suffices, and resource.own:action suffices only when the caller owns
// the record. Ownership is the only narrowing recognized at evaluation
// time.
func (e *Engine) CanModify(roleIDs []string, resource, action string, owned bool) bool {
	perms := e.EffectivePermissions(roleIDs)

	all := resource + ".all:" + action
	for _, granted := range perms {
		if MatchPermission(granted, all) {
			return true
		}
	}

	if owned {
		own := resource + ".own:" + action
		for _, granted := range perms {
			if MatchPermission(granted, own) {
				return true
			}
		}
	}

	return false
}
