package registry

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

var (
	// ErrBadToken is returned when the registration token does not match
	ErrBadToken = errors.New("invalid registration token")

	// ErrLocalWorker is returned on attempts to delete the local executor
	ErrLocalWorker = errors.New("local worker cannot be deleted")

	// ErrWorkerBusy is returned when deletion would orphan active jobs
	ErrWorkerBusy = errors.New("worker has active jobs")
)

// Service implements interfaces.RegistryService
type Service struct {
	workers interfaces.WorkerStorage
	jobs    interfaces.JobStorage
	content interfaces.ContentService
	cfg     *common.RegistryConfig
	logger  arbor.ILogger
}

// NewService creates the worker registry
func NewService(storage interfaces.StorageManager, content interfaces.ContentService, cfg *common.RegistryConfig, logger arbor.ILogger) *Service {
	return &Service{
		workers: storage.WorkerStorage(),
		jobs:    storage.JobStorage(),
		content: content,
		cfg:     cfg,
		logger:  logger,
	}
}

// Register validates the shared token and creates the worker record, or
// refreshes the existing one when the name is already known. Repeated
// registration keeps the id, registered_at and accumulated stats.
func (s *Service) Register(req *models.RegisterRequest) (*models.RegisterResponse, error) {
	if s.cfg.RegistrationToken == "" {
		return nil, fmt.Errorf("%w: no registration token configured", ErrBadToken)
	}
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.cfg.RegistrationToken)) != 1 {
		return nil, ErrBadToken
	}
	if req.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}

	now := time.Now()
	interval := int(s.cfg.CheckinIntervalDuration().Seconds())

	existing, err := s.workers.GetByName(req.Name)
	switch {
	case err == nil:
		existing.Tags = req.Tags
		existing.Status = models.WorkerStatusOnline
		existing.LastCheckin = now
		if req.MaxConcurrent > 0 {
			existing.MaxConcurrent = req.MaxConcurrent
		}
		if err := s.workers.Save(existing); err != nil {
			return nil, fmt.Errorf("failed to refresh worker: %w", err)
		}

		s.logger.Info().
			Str("worker_id", existing.ID).
			Str("name", existing.Name).
			Msg("Worker re-registered")

		return &models.RegisterResponse{WorkerID: existing.ID, CheckinInterval: interval}, nil

	case errors.Is(err, interfaces.ErrNotFound):
		worker := models.NewWorker(req.Name, req.Tags)
		worker.LastCheckin = now
		if req.MaxConcurrent > 0 {
			worker.MaxConcurrent = req.MaxConcurrent
		}
		if err := s.workers.Save(worker); err != nil {
			return nil, fmt.Errorf("failed to save worker: %w", err)
		}

		s.logger.Info().
			Str("worker_id", worker.ID).
			Str("name", worker.Name).
			Strs("tags", worker.Tags).
			Msg("Worker registered")

		return &models.RegisterResponse{WorkerID: worker.ID, CheckinInterval: interval}, nil

	default:
		return nil, fmt.Errorf("failed to look up worker: %w", err)
	}
}

// Checkin applies the fields present in the request, bumps last_checkin
// and answers with the sync decision.
func (s *Service) Checkin(workerID string, req *models.CheckinRequest) (*models.CheckinResponse, error) {
	worker, err := s.workers.Get(workerID)
	if err != nil {
		return nil, err
	}

	if req != nil {
		if req.SyncRevision != nil {
			worker.SyncRevision = *req.SyncRevision
		}
		if req.Stats != nil {
			// Counters and averages stay primary-owned; gauges come
			// from the worker host.
			worker.Stats.Load1m = req.Stats.Load1m
			worker.Stats.MemoryPercent = req.Stats.MemoryPercent
			worker.Stats.CPUPercent = req.Stats.CPUPercent
		}
		if req.Status != nil && models.ValidWorkerStatus(*req.Status) {
			worker.Status = models.WorkerStatus(*req.Status)
		}
		if req.MaxConcurrent != nil && *req.MaxConcurrent > 0 {
			worker.MaxConcurrent = *req.MaxConcurrent
		}
	}

	// Hearing from a stale worker revives it
	if worker.Status == models.WorkerStatusStale {
		worker.Status = models.WorkerStatusOnline
	}
	worker.LastCheckin = time.Now()

	if err := s.workers.Save(worker); err != nil {
		return nil, fmt.Errorf("failed to save checkin: %w", err)
	}

	revision, err := s.content.CurrentRevision()
	if err != nil {
		return nil, fmt.Errorf("failed to read current revision: %w", err)
	}

	syncNeeded := worker.SyncRevision != revision

	return &models.CheckinResponse{
		NextCheckinSeconds: int(s.cfg.CheckinIntervalDuration().Seconds()),
		SyncNeeded:         syncNeeded,
		CurrentRevision:    revision,
	}, nil
}

// Get returns one worker record
func (s *Service) Get(id string) (*models.Worker, error) {
	return s.workers.Get(id)
}

// List returns workers sorted by registered_at descending
func (s *Service) List(filter *models.WorkerFilter) ([]*models.Worker, error) {
	return s.workers.List(filter)
}

// Delete removes a worker. The local executor and workers holding
// assigned or running jobs are refused.
func (s *Service) Delete(id string) error {
	if id == models.LocalWorkerID {
		return ErrLocalWorker
	}

	active, err := s.jobs.ByWorker(id, models.JobStatusAssigned, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to check active jobs: %w", err)
	}
	if len(active) > 0 {
		return fmt.Errorf("%w: %d active", ErrWorkerBusy, len(active))
	}

	if err := s.workers.Delete(id); err != nil {
		return err
	}

	s.logger.Info().Str("worker_id", id).Msg("Worker deleted")
	return nil
}

// EnsureLocalWorker creates or revives the reserved co-located executor.
// Its id, priority boost and immunity to staleness are fixed.
func (s *Service) EnsureLocalWorker(tags []string) error {
	existing, err := s.workers.Get(models.LocalWorkerID)
	switch {
	case err == nil:
		existing.Tags = tags
		existing.Status = models.WorkerStatusOnline
		existing.IsLocal = true
		existing.PriorityBoost = models.LocalWorkerBoost
		existing.LastCheckin = time.Now()
		return s.workers.Save(existing)

	case errors.Is(err, interfaces.ErrNotFound):
		local := models.NewLocalWorker(tags)
		local.LastCheckin = time.Now()
		if err := s.workers.Save(local); err != nil {
			return fmt.Errorf("failed to create local worker: %w", err)
		}
		s.logger.Info().Strs("tags", tags).Msg("Local executor registered")
		return nil

	default:
		return fmt.Errorf("failed to look up local worker: %w", err)
	}
}
