package auth

import (
	"sync"
	"time"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// SessionCookieName is the browser cookie carrying the session token
const SessionCookieName = "ansible_session"

type session struct {
	userID   string
	username string
	expires  time.Time
}

// SessionManager holds browser sessions in memory. Sessions do not
// survive a primary restart; operators log in again.
type SessionManager struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]session
	now      func() time.Time
}

// NewSessionManager creates a manager with the given session lifetime
func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{
		ttl:      ttl,
		sessions: make(map[string]session),
		now:      time.Now,
	}
}

// Create mints a session token for the user
func (m *SessionManager) Create(user *models.User) string {
	token := common.NewSecret()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[token] = session{
		userID:   user.ID,
		username: user.Username,
		expires:  m.now().Add(m.ttl),
	}
	return token
}

// Lookup resolves a session token to the owning user id. Expired
// sessions are removed on access.
func (m *SessionManager) Lookup(token string) (userID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return "", false
	}
	if m.now().After(s.expires) {
		delete(m.sessions, token)
		return "", false
	}
	return s.userID, true
}

// Delete invalidates a session token
func (m *SessionManager) Delete(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// DeleteForUser invalidates every session owned by the user, used when
// an account is disabled or removed.
func (m *SessionManager) DeleteForUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, s := range m.sessions {
		if s.userID == userID {
			delete(m.sessions, token)
		}
	}
}

// PurgeExpired drops expired sessions and returns how many were removed
func (m *SessionManager) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	purged := 0
	for token, s := range m.sessions {
		if now.After(s.expires) {
			delete(m.sessions, token)
			purged++
		}
	}
	return purged
}

// Count returns the number of live sessions
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
