package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an operator account. Password hashing and session cookies belong
// to the auth service; the rest of the core only reads Roles and Enabled.
type User struct {
	ID           string     `json:"id" badgerhold:"key"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Roles        []string   `json:"roles"`
	Enabled      bool       `json:"enabled"`
	Email        string     `json:"email,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// NewUser creates an enabled user with the given role ids
func NewUser(username, passwordHash string, roles []string) *User {
	return &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		Roles:        roles,
		Enabled:      true,
		CreatedAt:    time.Now(),
	}
}
