package badger

import (
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// RoleStorage implements the RoleStorage interface for Badger
type RoleStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRoleStorage creates a new RoleStorage instance
func NewRoleStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RoleStorage {
	return &RoleStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RoleStorage) Save(role *models.Role) error {
	if role.ID == "" {
		return fmt.Errorf("role ID is required")
	}

	if err := s.db.Store().Upsert(role.ID, *role); err != nil {
		s.logger.Error().Err(err).Str("role_id", role.ID).Msg("BadgerDB: Failed to upsert role")
		return fmt.Errorf("failed to save role: %w", err)
	}
	return nil
}

func (s *RoleStorage) Get(id string) (*models.Role, error) {
	var role models.Role
	if err := s.db.Store().Get(id, &role); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

func (s *RoleStorage) List() ([]*models.Role, error) {
	var roles []models.Role
	if err := s.db.Store().Find(&roles, nil); err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	result := make([]*models.Role, 0, len(roles))
	for i := range roles {
		result = append(result, &roles[i])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *RoleStorage) Delete(id string) error {
	if err := s.db.Store().Delete(id, &models.Role{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}
