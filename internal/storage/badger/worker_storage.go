package badger

import (
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// WorkerStorage implements the WorkerStorage interface for Badger
type WorkerStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWorkerStorage creates a new WorkerStorage instance
func NewWorkerStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WorkerStorage {
	return &WorkerStorage{
		db:     db,
		logger: logger,
	}
}

func (s *WorkerStorage) Save(worker *models.Worker) error {
	if worker.ID == "" {
		return fmt.Errorf("worker ID is required")
	}

	// Dereference pointer so inserts and finds share one type prefix
	if err := s.db.Store().Upsert(worker.ID, *worker); err != nil {
		s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("BadgerDB: Failed to upsert worker")
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

func (s *WorkerStorage) Get(id string) (*models.Worker, error) {
	var worker models.Worker
	if err := s.db.Store().Get(id, &worker); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &worker, nil
}

func (s *WorkerStorage) GetByName(name string) (*models.Worker, error) {
	var workers []models.Worker
	if err := s.db.Store().Find(&workers, badgerhold.Where("Name").Eq(name)); err != nil {
		return nil, fmt.Errorf("failed to find worker by name: %w", err)
	}
	for i := range workers {
		if !workers[i].IsLocal {
			return &workers[i], nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *WorkerStorage) List(filter *models.WorkerFilter) ([]*models.Worker, error) {
	var workers []models.Worker
	if err := s.db.Store().Find(&workers, nil); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	var result []*models.Worker
	for i := range workers {
		w := &workers[i]
		if filter != nil {
			if filter.Status != "" && w.Status != filter.Status {
				continue
			}
			if filter.Tag != "" && !w.HasTag(filter.Tag) {
				continue
			}
			if filter.IsLocal != nil && w.IsLocal != *filter.IsLocal {
				continue
			}
		}
		result = append(result, w)
	}

	// Newest registrations first
	sort.Slice(result, func(i, j int) bool {
		return result[i].RegisteredAt.After(result[j].RegisteredAt)
	})

	return result, nil
}

func (s *WorkerStorage) Delete(id string) error {
	if err := s.db.Store().Delete(id, &models.Worker{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return nil
}

func (s *WorkerStorage) Count() (int, error) {
	count, err := s.db.Store().Count(&models.Worker{}, nil)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
