package badger

import (
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// AuditStorage implements the AuditStorage interface for Badger.
// Entries are append-only; retention is enforced by the maintenance job.
type AuditStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAuditStorage creates a new AuditStorage instance
func NewAuditStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AuditStorage {
	return &AuditStorage{
		db:     db,
		logger: logger,
	}
}

func (s *AuditStorage) Append(entry *models.AuditEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("audit entry ID is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if err := s.db.Store().Upsert(entry.ID, *entry); err != nil {
		s.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("BadgerDB: Failed to append audit entry")
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *AuditStorage) List(limit int) ([]*models.AuditEntry, error) {
	var entries []models.AuditEntry
	if err := s.db.Store().Find(&entries, nil); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	result := make([]*models.AuditEntry, 0, len(entries))
	for i := range entries {
		result = append(result, &entries[i])
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (s *AuditStorage) DeleteOlderThan(cutoff time.Time) (int, error) {
	var entries []models.AuditEntry
	if err := s.db.Store().Find(&entries, nil); err != nil {
		return 0, fmt.Errorf("failed to scan audit entries: %w", err)
	}

	deleted := 0
	for i := range entries {
		if entries[i].Timestamp.Before(cutoff) {
			if err := s.db.Store().Delete(entries[i].ID, &models.AuditEntry{}); err != nil {
				s.logger.Warn().Err(err).Str("entry_id", entries[i].ID).Msg("Failed to delete expired audit entry")
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}
