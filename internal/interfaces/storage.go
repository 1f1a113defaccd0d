package interfaces

import (
	"errors"
	"time"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// ErrNotFound is returned by storage implementations when no record matches
var ErrNotFound = errors.New("record not found")

// WorkerStorage - interface for worker record persistence
type WorkerStorage interface {
	Save(worker *models.Worker) error
	Get(id string) (*models.Worker, error)
	GetByName(name string) (*models.Worker, error)
	List(filter *models.WorkerFilter) ([]*models.Worker, error)
	Delete(id string) error
	Count() (int, error)
}

// JobStorage - interface for job record persistence
type JobStorage interface {
	Save(job *models.Job) error
	Get(id string) (*models.Job, error)
	List(filter *models.JobFilter) ([]*models.Job, error)
	ByStatus(statuses ...models.JobStatus) ([]*models.Job, error)
	ByWorker(workerID string, statuses ...models.JobStatus) ([]*models.Job, error)
	Delete(id string) error
	Count() (int, error)
	CountByStatus(status models.JobStatus) (int, error)
}

// UserStorage - interface for user account persistence
type UserStorage interface {
	Save(user *models.User) error
	Get(id string) (*models.User, error)
	GetByUsername(username string) (*models.User, error)
	List() ([]*models.User, error)
	Delete(id string) error
	Count() (int, error)
}

// RoleStorage - interface for role persistence
type RoleStorage interface {
	Save(role *models.Role) error
	Get(id string) (*models.Role, error)
	List() ([]*models.Role, error)
	Delete(id string) error
}

// TokenStorage - interface for API token persistence
type TokenStorage interface {
	Save(token *models.APIToken) error
	Get(id string) (*models.APIToken, error)
	GetByHash(hash string) (*models.APIToken, error)
	ListByUser(userID string) ([]*models.APIToken, error)
	Delete(id string) error
}

// AuditStorage - interface for audit entry persistence
type AuditStorage interface {
	Append(entry *models.AuditEntry) error
	List(limit int) ([]*models.AuditEntry, error)
	DeleteOlderThan(cutoff time.Time) (int, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	WorkerStorage() WorkerStorage
	JobStorage() JobStorage
	UserStorage() UserStorage
	RoleStorage() RoleStorage
	TokenStorage() TokenStorage
	AuditStorage() AuditStorage

	// RunGC reclaims value-log space. Called from the maintenance
	// schedule, never on a request path.
	RunGC() error

	Close() error
}
