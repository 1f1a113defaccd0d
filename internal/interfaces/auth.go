package interfaces

import (
	"net/http"
	"time"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// PrincipalKind discriminates how a request was authenticated
type PrincipalKind string

const (
	PrincipalUser      PrincipalKind = "user"
	PrincipalToken     PrincipalKind = "token"
	PrincipalWorker    PrincipalKind = "worker"
	PrincipalAnonymous PrincipalKind = "anonymous"
)

// Principal is the resolved identity of an inbound request
type Principal struct {
	Kind     PrincipalKind
	Username string
	UserID   string
	WorkerID string
	Roles    []string
}

// IsAnonymous reports whether no identity was resolved
func (p *Principal) IsAnonymous() bool {
	return p == nil || p.Kind == PrincipalAnonymous
}

// AuthService resolves principals, evaluates permissions and manages
// sessions, API tokens and the login lockout window.
type AuthService interface {
	// Resolve extracts a principal from the request (session cookie,
	// X-API-Token header, X-Worker-Id header). Returns an anonymous
	// principal when nothing matches.
	Resolve(r *http.Request) (*Principal, error)

	// ResolveWorker maps a worker id to a worker principal, or nil when
	// the id is unknown. Worker-only routes use it for ids carried in
	// the request path or body instead of the header.
	ResolveWorker(workerID string) *Principal

	// Login verifies credentials and returns a new session token.
	// Failed attempts count toward the lockout window.
	Login(username, password string) (string, error)

	// Logout invalidates a session token
	Logout(sessionToken string)

	// IsLocked reports whether the username is inside a lockout window
	IsLocked(username string) bool

	// CheckPermission evaluates the required permission for a principal
	CheckPermission(p *Principal, required string) bool

	// AccessibleTags returns the resource tags a principal may touch;
	// unlimited is true when a wildcard grants everything.
	AccessibleTags(p *Principal, resource string) (tags []string, unlimited bool)

	// CanModify applies the resource.all / resource.own ownership rule
	CanModify(p *Principal, resource, action, createdBy string) bool

	// EffectivePermissions flattens the principal's role inheritance graph
	EffectivePermissions(p *Principal) []string

	// CreateToken mints an API token for a user, returning the raw value once
	CreateToken(userID, name string, expiresAt *time.Time) (raw string, token *models.APIToken, err error)

	// RevokeToken deletes an API token
	RevokeToken(id string) error
}
