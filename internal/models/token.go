package models

import (
	"time"

	"github.com/google/uuid"
)

// APIToken authenticates non-browser clients. The raw token is returned
// once at creation; only its hash is stored. A token carries the roles of
// its owning user, and a disabled user's tokens are rejected.
type APIToken struct {
	ID        string     `json:"id" badgerhold:"key"`
	UserID    string     `json:"user_id" badgerhold:"index"`
	Name      string     `json:"name"`
	TokenHash string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// NewAPIToken creates a token record for the given user
func NewAPIToken(userID, name, tokenHash string, expiresAt *time.Time) *APIToken {
	return &APIToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		TokenHash: tokenHash,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
}

// Expired reports whether the token is past its expiry
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}
