package badger

import (
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) Save(job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.logger.Trace().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Msg("BadgerDB: saving job")

	if err := s.db.Store().Upsert(job.ID, *job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("BadgerDB: Failed to upsert job")
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) Get(id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) List(filter *models.JobFilter) ([]*models.Job, error) {
	// Fetch all jobs and filter in memory; the queue is small by design
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var result []*models.Job
	for i := range jobs {
		j := &jobs[i]
		if filter != nil {
			if filter.Status != "" && j.Status != filter.Status {
				continue
			}
			if filter.Playbook != "" && j.Playbook != filter.Playbook {
				continue
			}
			if filter.AssignedWorker != "" {
				if j.AssignedWorker == nil || *j.AssignedWorker != filter.AssignedWorker {
					continue
				}
			}
			if filter.SubmittedBy != "" && j.SubmittedBy != filter.SubmittedBy {
				continue
			}
		}
		result = append(result, j)
	}

	// Newest submissions first
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.After(result[j].SubmittedAt)
	})

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(result) {
				return []*models.Job{}, nil
			}
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(result) {
			result = result[:filter.Limit]
		}
	}

	return result, nil
}

func (s *JobStorage) ByStatus(statuses ...models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("failed to find jobs by status: %w", err)
	}

	var result []*models.Job
	for i := range jobs {
		for _, status := range statuses {
			if jobs[i].Status == status {
				result = append(result, &jobs[i])
				break
			}
		}
	}
	return result, nil
}

func (s *JobStorage) ByWorker(workerID string, statuses ...models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("failed to find jobs by worker: %w", err)
	}

	var result []*models.Job
	for i := range jobs {
		j := &jobs[i]
		if j.AssignedWorker == nil || *j.AssignedWorker != workerID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, status := range statuses {
				if j.Status == status {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		result = append(result, j)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})

	return result, nil
}

func (s *JobStorage) Delete(id string) error {
	if err := s.db.Store().Delete(id, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrNotFound
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *JobStorage) Count() (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, nil)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *JobStorage) CountByStatus(status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
