package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/metrics"
)

var (
	// ErrWrongWorker is returned when a worker acts on a job assigned elsewhere
	ErrWrongWorker = errors.New("job is not assigned to this worker")

	// ErrConflict is returned for illegal state machine transitions
	ErrConflict = errors.New("conflicting job state")
)

// Service implements interfaces.QueueService. A single transition mutex
// keeps the per-job single-writer rule: every state change reads the
// record, validates the edge and writes back under the same lock.
type Service struct {
	jobs    interfaces.JobStorage
	workers interfaces.WorkerStorage
	events  interfaces.EventService
	logger  arbor.ILogger

	mu sync.Mutex
}

// NewService creates the job queue
func NewService(storage interfaces.StorageManager, events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		jobs:    storage.JobStorage(),
		workers: storage.WorkerStorage(),
		events:  events,
		logger:  logger,
	}
}

// Submit records a new queued job
func (s *Service) Submit(sub *models.JobSubmission, submittedBy string) (*models.Job, error) {
	if sub.Playbook == "" {
		return nil, fmt.Errorf("playbook is required")
	}

	target := sub.Target
	if target == "" {
		target = "all"
	}

	job := models.NewJob(sub.Playbook, target, submittedBy)
	job.RequiredTags = sub.RequiredTags
	job.PreferredTags = sub.PreferredTags
	job.ExtraVars = sub.ExtraVars
	if sub.Priority != nil {
		job.Priority = *sub.Priority
	}
	if sub.JobType != "" {
		job.JobType = models.JobType(sub.JobType)
	}

	if err := s.jobs.Save(job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("playbook", job.Playbook).
		Str("target", job.Target).
		Int("priority", job.Priority).
		Str("submitted_by", submittedBy).
		Msg("Job submitted")

	s.publish(interfaces.EventJobSubmitted, job)
	return job, nil
}

// Get returns one job
func (s *Service) Get(id string) (*models.Job, error) {
	return s.jobs.Get(id)
}

// List returns jobs newest first, narrowed by the filter
func (s *Service) List(filter *models.JobFilter) ([]*models.Job, error) {
	return s.jobs.List(filter)
}

// Pending returns queued jobs in dispatch order: priority descending,
// then oldest submission first. This is the only view the dispatcher
// consumes.
func (s *Service) Pending() ([]*models.Job, error) {
	queued, err := s.jobs.ByStatus(models.JobStatusQueued)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].SubmittedAt.Before(queued[j].SubmittedAt)
	})
	return queued, nil
}

// ByWorker lists jobs assigned to a worker, optionally narrowed by status
func (s *Service) ByWorker(workerID string, statuses ...models.JobStatus) ([]*models.Job, error) {
	return s.jobs.ByWorker(workerID, statuses...)
}

// Assign transitions queued -> assigned and records the job on the
// worker. Repeating an assignment for the same worker is a no-op.
func (s *Service) Assign(jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}

	if job.Status == models.JobStatusAssigned && job.AssignedWorker != nil && *job.AssignedWorker == workerID {
		return nil
	}

	if err := job.MarkAssigned(workerID); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := s.jobs.Save(job); err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}

	// The worker record is a secondary index of the assignment; a failed
	// update is logged and later reconciled by the stale sweep.
	if worker, err := s.workers.Get(workerID); err == nil {
		worker.AddJob(jobID)
		if err := s.workers.Save(worker); err != nil {
			s.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to record job on worker")
		}
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("worker_id", workerID).
		Msg("Job assigned")

	s.publish(interfaces.EventJobAssigned, job)
	return nil
}

// Start transitions assigned -> running on behalf of the owning worker
func (s *Service) Start(jobID, workerID, logFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job.AssignedWorker == nil || *job.AssignedWorker != workerID {
		return ErrWrongWorker
	}

	if err := job.MarkRunning(logFile); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := s.jobs.Save(job); err != nil {
		return fmt.Errorf("failed to save job start: %w", err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("worker_id", workerID).
		Str("log_file", logFile).
		Msg("Job running")

	s.publish(interfaces.EventJobStarted, job)
	return nil
}

// Finish is the authoritative completion transition: completed when the
// exit code is zero, failed otherwise. Side effects around it belong to
// the completion pipeline.
func (s *Service) Finish(jobID string, exitCode int, errorMessage string, duration float64, logFile string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}

	if err := job.MarkFinished(exitCode, errorMessage, duration); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if logFile != "" {
		job.LogFile = logFile
	}
	if err := s.jobs.Save(job); err != nil {
		return nil, fmt.Errorf("failed to save job completion: %w", err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("status", string(job.Status)).
		Int("exit_code", exitCode).
		Float64("duration_seconds", duration).
		Msg("Job finished")

	return job, nil
}

// Cancel marks a job cancelled. Assigned jobs free their worker slot
// immediately; running jobs keep it until the worker reports back.
func (s *Service) Cancel(id string, cancelledBy string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobs.Get(id)
	if err != nil {
		return nil, err
	}

	previous := job.Status
	if err := job.MarkCancelled(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if cancelledBy != "" {
		job.ErrorMessage = fmt.Sprintf("cancelled by %s", cancelledBy)
	}
	if err := s.jobs.Save(job); err != nil {
		return nil, fmt.Errorf("failed to save cancellation: %w", err)
	}

	if previous == models.JobStatusAssigned && job.AssignedWorker != nil {
		if worker, err := s.workers.Get(*job.AssignedWorker); err == nil {
			worker.RemoveJob(id)
			if err := s.workers.Save(worker); err != nil {
				s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("Failed to free worker slot")
			}
		}
	}

	s.logger.Info().
		Str("job_id", id).
		Str("previous", string(previous)).
		Str("cancelled_by", cancelledBy).
		Msg("Job cancelled")

	s.publish(interfaces.EventJobCancelled, job)
	return job, nil
}

// Requeue resets an assigned or running job to queued after worker loss
func (s *Service) Requeue(jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}

	if err := job.Requeue(reason); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err := s.jobs.Save(job); err != nil {
		return fmt.Errorf("failed to save requeue: %w", err)
	}

	s.logger.Warn().
		Str("job_id", jobID).
		Str("reason", reason).
		Msg("Job requeued")

	metrics.JobsRequeued.Inc()
	s.publish(interfaces.EventJobRequeued, job)
	return nil
}

// Cleanup removes terminal jobs older than maxAgeDays, always keeping
// the newest keepCount terminal records. Non-terminal jobs are never
// touched.
func (s *Service) Cleanup(maxAgeDays, keepCount int) (int, error) {
	terminal, err := s.jobs.ByStatus(models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled)
	if err != nil {
		return 0, err
	}

	sort.Slice(terminal, func(i, j int) bool {
		return jobFinishedAt(terminal[i]).After(jobFinishedAt(terminal[j]))
	})

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	removed := 0
	for i, job := range terminal {
		if i < keepCount {
			continue
		}
		if jobFinishedAt(job).After(cutoff) {
			continue
		}
		if err := s.jobs.Delete(job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to delete old job")
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Cleaned up old jobs")
	}
	return removed, nil
}

func jobFinishedAt(job *models.Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return job.SubmittedAt
}

func (s *Service) publish(eventType interfaces.EventType, job *models.Job) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.Background(), interfaces.Event{
		Type:    eventType,
		Payload: job,
	}); err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish job event")
	}
}
