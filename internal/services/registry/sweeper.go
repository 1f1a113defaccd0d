package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// Sweeper periodically marks silent workers stale and recovers their
// assigned and running jobs back to the queue. The local executor is
// immune; it does not check in.
type Sweeper struct {
	workers  interfaces.WorkerStorage
	queue    interfaces.QueueService
	events   interfaces.EventService
	interval time.Duration
	cutoff   time.Duration
	logger   arbor.ILogger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates the staleness sweep. The cutoff is twice the
// check-in interval; the sweep itself runs at most every half interval.
func NewSweeper(storage interfaces.StorageManager, queue interfaces.QueueService, events interfaces.EventService, cfg *common.RegistryConfig, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		workers:  storage.WorkerStorage(),
		queue:    queue,
		events:   events,
		interval: cfg.SweepIntervalDuration(),
		cutoff:   2 * cfg.CheckinIntervalDuration(),
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called
func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info().
			Dur("interval", s.interval).
			Dur("cutoff", s.cutoff).
			Msg("Stale worker sweep started")

		for {
			select {
			case <-ticker.C:
				s.SweepOnce()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to drain
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// SweepOnce scans the registry once, marking and recovering stale workers
func (s *Sweeper) SweepOnce() {
	workers, err := s.workers.List(nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Stale sweep failed to list workers")
		return
	}

	now := time.Now()
	for _, worker := range workers {
		if worker.IsLocal || worker.Status == models.WorkerStatusStale {
			continue
		}
		if now.Sub(worker.LastCheckin) <= s.cutoff {
			continue
		}
		s.markStale(worker)
	}
}

func (s *Sweeper) markStale(worker *models.Worker) {
	s.logger.Warn().
		Str("worker_id", worker.ID).
		Str("name", worker.Name).
		Time("last_checkin", worker.LastCheckin).
		Msg("Worker went stale")

	// Mark first so the dispatcher stops considering it before any of
	// its jobs return to the queue.
	worker.Status = models.WorkerStatusStale
	if err := s.workers.Save(worker); err != nil {
		s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("Failed to mark worker stale")
		return
	}

	active, err := s.queue.ByWorker(worker.ID, models.JobStatusAssigned, models.JobStatusRunning)
	if err != nil {
		s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("Failed to list jobs for stale recovery")
		return
	}

	recovered := 0
	for _, job := range active {
		reason := fmt.Sprintf("requeued: worker %s went stale", worker.Name)
		if err := s.queue.Requeue(job.ID, reason); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue job from stale worker")
			continue
		}
		worker.RemoveJob(job.ID)
		recovered++
	}

	if recovered > 0 {
		if err := s.workers.Save(worker); err != nil {
			s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("Failed to clear recovered jobs")
		}
		s.logger.Info().
			Str("worker_id", worker.ID).
			Int("recovered", recovered).
			Msg("Recovered jobs from stale worker")
	}

	if s.events != nil {
		payload := map[string]interface{}{
			"worker_id":   worker.ID,
			"worker_name": worker.Name,
			"recovered":   recovered,
		}
		if err := s.events.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventWorkerStale,
			Payload: payload,
		}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish worker_stale event")
		}
	}
}
