package badger

import (
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// TokenStorage implements the TokenStorage interface for Badger.
// Tokens are stored by ID; lookups by hash scan the (small) token set.
type TokenStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTokenStorage creates a new TokenStorage instance
func NewTokenStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TokenStorage {
	return &TokenStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TokenStorage) Save(token *models.APIToken) error {
	if token.ID == "" {
		return fmt.Errorf("token ID is required")
	}

	if err := s.db.Store().Upsert(token.ID, *token); err != nil {
		s.logger.Error().Err(err).Str("token_id", token.ID).Msg("BadgerDB: Failed to upsert token")
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *TokenStorage) Get(id string) (*models.APIToken, error) {
	var token models.APIToken
	if err := s.db.Store().Get(id, &token); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &token, nil
}

func (s *TokenStorage) GetByHash(hash string) (*models.APIToken, error) {
	var tokens []models.APIToken
	if err := s.db.Store().Find(&tokens, badgerhold.Where("TokenHash").Eq(hash)); err != nil {
		return nil, fmt.Errorf("failed to find token by hash: %w", err)
	}
	if len(tokens) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &tokens[0], nil
}

func (s *TokenStorage) ListByUser(userID string) ([]*models.APIToken, error) {
	var tokens []models.APIToken
	if err := s.db.Store().Find(&tokens, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, fmt.Errorf("failed to list tokens by user: %w", err)
	}

	result := make([]*models.APIToken, 0, len(tokens))
	for i := range tokens {
		result = append(result, &tokens[i])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *TokenStorage) Delete(id string) error {
	if err := s.db.Store().Delete(id, &models.APIToken{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
