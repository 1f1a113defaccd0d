package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	worker interfaces.WorkerStorage
	job    interfaces.JobStorage
	user   interfaces.UserStorage
	role   interfaces.RoleStorage
	token  interfaces.TokenStorage
	audit  interfaces.AuditStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		worker: NewWorkerStorage(db, logger),
		job:    NewJobStorage(db, logger),
		user:   NewUserStorage(db, logger),
		role:   NewRoleStorage(db, logger),
		token:  NewTokenStorage(db, logger),
		audit:  NewAuditStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// WorkerStorage returns the Worker storage interface
func (m *Manager) WorkerStorage() interfaces.WorkerStorage {
	return m.worker
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// UserStorage returns the User storage interface
func (m *Manager) UserStorage() interfaces.UserStorage {
	return m.user
}

// RoleStorage returns the Role storage interface
func (m *Manager) RoleStorage() interfaces.RoleStorage {
	return m.role
}

// TokenStorage returns the Token storage interface
func (m *Manager) TokenStorage() interfaces.TokenStorage {
	return m.token
}

// AuditStorage returns the Audit storage interface
func (m *Manager) AuditStorage() interfaces.AuditStorage {
	return m.audit
}

// RunGC reclaims Badger value-log space
func (m *Manager) RunGC() error {
	if m.db != nil {
		return m.db.RunGC()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
