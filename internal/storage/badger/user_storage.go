package badger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// UserStorage implements the UserStorage interface for Badger
type UserStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUserStorage creates a new UserStorage instance
func NewUserStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UserStorage {
	return &UserStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UserStorage) Save(user *models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user ID is required")
	}

	if err := s.db.Store().Upsert(user.ID, *user); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("BadgerDB: Failed to upsert user")
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *UserStorage) Get(id string) (*models.User, error) {
	var user models.User
	if err := s.db.Store().Get(id, &user); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *UserStorage) GetByUsername(username string) (*models.User, error) {
	var users []models.User
	if err := s.db.Store().Find(&users, badgerhold.Where("Username").Eq(strings.ToLower(username))); err != nil {
		return nil, fmt.Errorf("failed to find user by username: %w", err)
	}
	if len(users) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &users[0], nil
}

func (s *UserStorage) List() ([]*models.User, error) {
	var users []models.User
	if err := s.db.Store().Find(&users, nil); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	result := make([]*models.User, 0, len(users))
	for i := range users {
		result = append(result, &users[i])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result, nil
}

func (s *UserStorage) Delete(id string) error {
	if err := s.db.Store().Delete(id, &models.User{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (s *UserStorage) Count() (int, error) {
	count, err := s.db.Store().Count(&models.User{}, nil)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
