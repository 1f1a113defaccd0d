package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/handlers"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// adminOnly guards any API route without an explicit rule. Only the "*"
// resource wildcard satisfies it.
const adminOnly = "*:*"

// accessRule binds one route shape to its access requirements. In the
// pattern, "*" matches exactly one path segment and a trailing "**"
// matches any remainder.
type accessRule struct {
	method     string // exact method; "" matches any
	pattern    string
	public     bool
	worker     bool   // worker principals pass
	permission string // required for user/token principals; "" with worker means worker-only
}

// accessRules is evaluated top to bottom; the first match decides.
var accessRules = []accessRule{
	// Public surface
	{method: "POST", pattern: "/api/auth/login", public: true},
	{method: "POST", pattern: "/api/auth/logout", public: true},
	{method: "GET", pattern: "/api/auth/session", public: true},
	{method: "GET", pattern: "/health", public: true},
	{method: "GET", pattern: "/api/version", public: true},
	{method: "GET", pattern: "/metrics", public: true},
	{method: "POST", pattern: "/api/workers/register", public: true},

	// Worker lifecycle
	{method: "GET", pattern: "/api/workers/notify", worker: true},
	{method: "POST", pattern: "/api/workers/*/checkin", worker: true},
	{method: "GET", pattern: "/api/workers/*/jobs", worker: true},
	{method: "POST", pattern: "/api/jobs/*/start", worker: true},
	{method: "POST", pattern: "/api/jobs/*/log/stream", worker: true},
	{method: "POST", pattern: "/api/jobs/*/complete", worker: true},

	// Content bundle: workers sync it, operators may inspect it
	{method: "GET", pattern: "/api/sync/revision", worker: true, permission: "playbooks:view"},
	{method: "GET", pattern: "/api/sync/manifest", worker: true, permission: "playbooks:view"},
	{method: "GET", pattern: "/api/sync/archive", worker: true, permission: "playbooks:view"},
	{method: "GET", pattern: "/api/sync/file/**", worker: true, permission: "playbooks:view"},
	{method: "POST", pattern: "/api/sync/commit", permission: "content:edit"},

	// Operator API
	{method: "GET", pattern: "/api/workers", permission: "workers:view"},
	{method: "GET", pattern: "/api/workers/*", permission: "workers:view"},
	{method: "DELETE", pattern: "/api/workers/*", permission: "workers:delete"},
	{method: "POST", pattern: "/api/jobs", permission: "jobs:submit"},
	{method: "GET", pattern: "/api/jobs", permission: "jobs:view"},
	{method: "GET", pattern: "/api/jobs/*", permission: "jobs:view"},
	{method: "GET", pattern: "/api/jobs/*/log", permission: "logs:view"},
	{method: "POST", pattern: "/api/jobs/*/cancel", permission: "jobs:cancel"},
	{method: "GET", pattern: "/api/status", permission: "workers:view"},
	{method: "GET", pattern: "/ws"},

	// Account administration. Token ownership is enforced in the handler,
	// so the token routes only require an authenticated principal.
	{method: "GET", pattern: "/api/roles", permission: "roles:view"},
	{method: "POST", pattern: "/api/roles", permission: "roles:edit"},
	{method: "GET", pattern: "/api/roles/*", permission: "roles:view"},
	{method: "PUT", pattern: "/api/roles/*", permission: "roles:edit"},
	{method: "DELETE", pattern: "/api/roles/*", permission: "roles:edit"},
	{method: "GET", pattern: "/api/users", permission: "users:view"},
	{method: "POST", pattern: "/api/users", permission: "users:edit"},
	{method: "GET", pattern: "/api/users/*", permission: "users:view"},
	{method: "PUT", pattern: "/api/users/*", permission: "users:edit"},
	{method: "DELETE", pattern: "/api/users/*", permission: "users:edit"},
	{pattern: "/api/tokens"},
	{pattern: "/api/tokens/*"},
	{method: "GET", pattern: "/api/audit", permission: "audit:view"},
}

// guardMiddleware resolves the request principal and enforces the access
// rule for the route. Every handler downstream can rely on a principal
// in the request context.
func (s *Server) guardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.app.AuthService.Resolve(r)
		if err != nil || principal == nil {
			principal = &interfaces.Principal{Kind: interfaces.PrincipalAnonymous}
		}

		rule := matchRule(r.Method, r.URL.Path)

		// Worker routes accept identity from the path or body when the
		// header is absent.
		if rule != nil && rule.worker && principal.IsAnonymous() {
			if id := s.peekWorkerID(r); id != "" {
				if wp := s.app.AuthService.ResolveWorker(id); wp != nil {
					principal = wp
				}
			}
		}

		r = handlers.WithPrincipal(r, principal)

		if rule != nil && rule.public {
			next.ServeHTTP(w, r)
			return
		}

		if principal.IsAnonymous() {
			handlers.WriteError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		// A lockout outlives the failed logins that caused it; existing
		// sessions and tokens do not bypass it.
		if principal.Username != "" && s.app.AuthService.IsLocked(principal.Username) {
			s.denied(w, r, principal, http.StatusLocked, "account locked")
			return
		}

		if principal.Kind == interfaces.PrincipalWorker {
			if rule != nil && rule.worker {
				next.ServeHTTP(w, r)
				return
			}
			s.denied(w, r, principal, http.StatusForbidden, "worker identity not accepted on this route")
			return
		}

		required := adminOnly
		workerOnly := false
		if rule != nil {
			required = rule.permission
			workerOnly = rule.worker && rule.permission == ""
		}
		if workerOnly {
			s.denied(w, r, principal, http.StatusForbidden, "worker-only route")
			return
		}
		if required != "" && !s.app.AuthService.CheckPermission(principal, required) {
			s.denied(w, r, principal, http.StatusForbidden, "missing permission "+required)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// denied records the refusal in the audit trail and writes the response
func (s *Server) denied(w http.ResponseWriter, r *http.Request, p *interfaces.Principal, status int, detail string) {
	name := p.Username
	if name == "" {
		name = p.WorkerID
	}
	s.app.StorageManager.AuditStorage().Append(
		models.NewAuditEntry(name, "guard.deny", r.Method+" "+r.URL.Path, detail, false))

	message := "Permission denied"
	if status == http.StatusLocked {
		message = "Account temporarily locked"
	}
	handlers.WriteError(w, status, message)
}

// matchRule returns the first rule matching the method and path
func matchRule(method, path string) *accessRule {
	for i := range accessRules {
		rule := &accessRules[i]
		if rule.method != "" && rule.method != method {
			continue
		}
		if matchPattern(rule.pattern, path) {
			return rule
		}
	}
	return nil
}

// matchPattern matches a /-segmented pattern against a request path
func matchPattern(pattern, path string) bool {
	pp := strings.Split(strings.Trim(pattern, "/"), "/")
	sp := strings.Split(strings.Trim(path, "/"), "/")

	for i, seg := range pp {
		if seg == "**" {
			return len(sp) > i
		}
		if i >= len(sp) {
			return false
		}
		if seg != "*" && seg != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}

// peekWorkerID finds a worker id in the request path or, failing that,
// in the JSON body's worker_id field. The body is restored for the
// handler afterwards.
func (s *Server) peekWorkerID(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/api/workers/") {
		rest := strings.TrimPrefix(r.URL.Path, "/api/workers/")
		if i := strings.IndexByte(rest, '/'); i > 0 {
			return rest[:i]
		}
	}

	if r.Body == nil || r.Method == http.MethodGet {
		return ""
	}

	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return ""
	}

	var probe struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.WorkerID
}
