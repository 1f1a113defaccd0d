package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry records a security-relevant action: guard denials, logins,
// job submissions and cancellations, worker registration and removal,
// role/user/token mutations, and content commits.
type AuditEntry struct {
	ID        string    `json:"id" badgerhold:"key"`
	Timestamp time.Time `json:"timestamp" badgerhold:"index"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Success   bool      `json:"success"`
}

// NewAuditEntry creates a timestamped audit record
func NewAuditEntry(username, action, resource, detail string, success bool) *AuditEntry {
	return &AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Username:  username,
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		Success:   success,
	}
}
