package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/crypto/bcrypt"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/metrics"
)

// Authentication headers recognized by Resolve
const (
	TokenHeader  = "X-API-Token"
	WorkerHeader = "X-Worker-Id"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or wrong password
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrAccountLocked is returned while the username sits in a lockout window
	ErrAccountLocked = errors.New("account temporarily locked")

	// ErrAccountDisabled is returned for valid credentials on a disabled account
	ErrAccountDisabled = errors.New("account disabled")
)

// Service implements interfaces.AuthService: principal resolution,
// login with lockout, permission evaluation and API token management.
type Service struct {
	users    interfaces.UserStorage
	roles    interfaces.RoleStorage
	tokens   interfaces.TokenStorage
	workers  interfaces.WorkerStorage
	engine   *Engine
	sessions *SessionManager
	lockout  *LockoutTracker
	logger   arbor.ILogger
}

// NewService creates the auth service, seeds the built-in roles and,
// when the user table is empty, an initial admin account.
func NewService(storage interfaces.StorageManager, cfg *common.AuthConfig, logger arbor.ILogger) (*Service, error) {
	s := &Service{
		users:    storage.UserStorage(),
		roles:    storage.RoleStorage(),
		tokens:   storage.TokenStorage(),
		workers:  storage.WorkerStorage(),
		engine:   NewEngine(storage.RoleStorage(), logger),
		sessions: NewSessionManager(cfg.SessionTTLDuration()),
		lockout:  NewLockoutTracker(cfg.MaxAttempts, cfg.LockoutWindowDuration()),
		logger:   logger,
	}

	if err := s.seedRoles(); err != nil {
		return nil, err
	}
	if err := s.seedAdmin(cfg.AdminPassword); err != nil {
		return nil, err
	}
	return s, nil
}

// seedRoles upserts the built-in roles so their definitions always match
// the shipped set, even after an upgrade.
func (s *Service) seedRoles() error {
	for _, role := range models.BuiltinRoles() {
		if err := s.roles.Save(role); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", role.ID, err)
		}
	}
	return nil
}

func (s *Service) seedAdmin(password string) error {
	count, err := s.users.Count()
	if err != nil {
		return fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		password = common.NewSecret()[:16]
		s.logger.Warn().
			Str("username", "admin").
			Str("password", password).
			Msg("No admin password configured; generated one-time credentials")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	admin := models.NewUser("admin", string(hash), []string{"admin"})
	if err := s.users.Save(admin); err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}

	s.logger.Info().Str("username", "admin").Msg("Seeded initial admin user")
	return nil
}

// Resolve extracts a principal from the request. Order: session cookie,
// API token header, worker id header, anonymous. Worker ids carried in
// request bodies are resolved by the guard middleware on worker routes.
func (s *Service) Resolve(r *http.Request) (*interfaces.Principal, error) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if userID, ok := s.sessions.Lookup(cookie.Value); ok {
			user, err := s.users.Get(userID)
			if err == nil && user.Enabled {
				return &interfaces.Principal{
					Kind:     interfaces.PrincipalUser,
					Username: user.Username,
					UserID:   user.ID,
					Roles:    user.Roles,
				}, nil
			}
			// Account removed or disabled since login
			s.sessions.Delete(cookie.Value)
		}
	}

	if raw := r.Header.Get(TokenHeader); raw != "" {
		if p := s.resolveToken(raw); p != nil {
			return p, nil
		}
	}

	if workerID := r.Header.Get(WorkerHeader); workerID != "" {
		if p := s.ResolveWorker(workerID); p != nil {
			return p, nil
		}
	}

	return &interfaces.Principal{Kind: interfaces.PrincipalAnonymous}, nil
}

func (s *Service) resolveToken(raw string) *interfaces.Principal {
	token, err := s.tokens.GetByHash(common.HashSecret(raw))
	if err != nil {
		return nil
	}
	if token.Expired(time.Now()) {
		return nil
	}

	user, err := s.users.Get(token.UserID)
	if err != nil || !user.Enabled {
		return nil
	}

	now := time.Now()
	token.LastUsed = &now
	if err := s.tokens.Save(token); err != nil {
		s.logger.Warn().Err(err).Str("token_id", token.ID).Msg("Failed to record token use")
	}

	return &interfaces.Principal{
		Kind:     interfaces.PrincipalToken,
		Username: user.Username,
		UserID:   user.ID,
		Roles:    user.Roles,
	}
}

// ResolveWorker maps a worker id to a worker principal, or nil when the
// id is unknown.
func (s *Service) ResolveWorker(workerID string) *interfaces.Principal {
	if _, err := s.workers.Get(workerID); err != nil {
		return nil
	}
	return &interfaces.Principal{
		Kind:     interfaces.PrincipalWorker,
		WorkerID: workerID,
	}
}

// Login verifies credentials and returns a session token. Unknown users
// and wrong passwords both count toward the lockout window.
func (s *Service) Login(username, password string) (string, error) {
	if s.lockout.IsLocked(username) {
		return "", ErrAccountLocked
	}

	user, err := s.users.GetByUsername(username)
	if err != nil {
		s.lockout.RecordFailure(username)
		metrics.AuthFailures.Inc()
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		if s.lockout.RecordFailure(username) {
			s.logger.Warn().Str("username", username).Msg("Account locked after repeated login failures")
		}
		metrics.AuthFailures.Inc()
		return "", ErrInvalidCredentials
	}

	if !user.Enabled {
		return "", ErrAccountDisabled
	}

	s.lockout.RecordSuccess(username)

	now := time.Now()
	user.LastLogin = &now
	if err := s.users.Save(user); err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("Failed to record last login")
	}

	return s.sessions.Create(user), nil
}

// Logout invalidates a session token
func (s *Service) Logout(sessionToken string) {
	s.sessions.Delete(sessionToken)
}

// IsLocked reports whether the username is inside a lockout window
func (s *Service) IsLocked(username string) bool {
	return s.lockout.IsLocked(username)
}

// CheckPermission evaluates the required permission for a principal.
// Worker principals hold no RBAC permissions; their endpoints are gated
// by the route table instead.
func (s *Service) CheckPermission(p *interfaces.Principal, required string) bool {
	if p.IsAnonymous() || p.Kind == interfaces.PrincipalWorker {
		return false
	}
	return s.engine.HasPermission(p.Roles, required)
}

// AccessibleTags returns the resource tags visible to the principal
func (s *Service) AccessibleTags(p *interfaces.Principal, resource string) ([]string, bool) {
	if p.IsAnonymous() || p.Kind == interfaces.PrincipalWorker {
		return nil, false
	}
	return s.engine.AccessibleTags(p.Roles, resource)
}

// CanModify applies the resource.all / resource.own ownership rule
func (s *Service) CanModify(p *interfaces.Principal, resource, action, createdBy string) bool {
	if p.IsAnonymous() || p.Kind == interfaces.PrincipalWorker {
		return false
	}
	owned := createdBy != "" && createdBy == p.Username
	return s.engine.CanModify(p.Roles, resource, action, owned)
}

// CreateToken mints an API token for a user. The raw value is returned
// once and never stored.
func (s *Service) CreateToken(userID, name string, expiresAt *time.Time) (string, *models.APIToken, error) {
	if _, err := s.users.Get(userID); err != nil {
		return "", nil, fmt.Errorf("unknown user: %w", err)
	}

	raw := common.NewSecret()
	token := models.NewAPIToken(userID, name, common.HashSecret(raw), expiresAt)
	if err := s.tokens.Save(token); err != nil {
		return "", nil, fmt.Errorf("failed to save token: %w", err)
	}

	s.logger.Info().
		Str("token_id", token.ID).
		Str("user_id", userID).
		Str("name", name).
		Msg("API token created")

	return raw, token, nil
}

// RevokeToken deletes an API token
func (s *Service) RevokeToken(id string) error {
	return s.tokens.Delete(id)
}

// EffectivePermissions resolves the full permission set for a principal,
// used by the session probe endpoint.
func (s *Service) EffectivePermissions(p *interfaces.Principal) []string {
	if p.IsAnonymous() || p.Kind == interfaces.PrincipalWorker {
		return nil
	}
	return s.engine.EffectivePermissions(p.Roles)
}

// Sessions exposes the session manager for maintenance purging
func (s *Service) Sessions() *SessionManager {
	return s.sessions
}
