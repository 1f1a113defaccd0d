package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/metrics"
)

// Service matches pending jobs to eligible workers. It wakes on queue
// and worker events and additionally scans on a timer, so a missed
// wakeup only delays dispatch by one poll interval.
type Service struct {
	queue   interfaces.QueueService
	workers interfaces.WorkerStorage
	events  interfaces.EventService
	logger  arbor.ILogger

	interval time.Duration
	kick     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewService creates the dispatcher
func NewService(storage interfaces.StorageManager, queue interfaces.QueueService, events interfaces.EventService, cfg *common.DispatcherConfig, logger arbor.ILogger) *Service {
	return &Service{
		queue:    queue,
		workers:  storage.WorkerStorage(),
		events:   events,
		logger:   logger,
		interval: cfg.PollIntervalDuration(),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start subscribes to queue events and runs the dispatch loop
func (s *Service) Start() error {
	wake := func(context.Context, interfaces.Event) error {
		s.Trigger()
		return nil
	}
	for _, et := range []interfaces.EventType{
		interfaces.EventJobSubmitted,
		interfaces.EventJobRequeued,
		interfaces.EventJobCompleted,
		interfaces.EventJobCancelled,
	} {
		if err := s.events.Subscribe(et, wake); err != nil {
			return err
		}
	}

	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info().Dur("poll_interval", s.interval).Msg("Dispatcher started")

		for {
			select {
			case <-s.kick:
				s.safeDispatch()
			case <-ticker.C:
				s.safeDispatch()
			case <-s.stopCh:
				return
			}
		}
	}()
	return nil
}

// safeDispatch runs one pass with panic recovery. The panic is logged and
// crash-filed; the loop keeps running and the next tick retries.
func (s *Service) safeDispatch() {
	defer func() {
		if r := recover(); r != nil {
			stackTrace := common.GetStackTrace()
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", stackTrace).
				Msg("Dispatch pass panicked - writing crash file")
			common.WriteCrashFile(r, stackTrace)
		}
	}()
	s.DispatchOnce()
}

// Stop halts the dispatch loop, draining the in-flight pass
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Trigger requests a dispatch pass; concurrent triggers coalesce
func (s *Service) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// DispatchOnce walks the pending queue in order and assigns each job to
// its best eligible worker. Jobs with no eligible worker are skipped,
// never blocking the jobs behind them.
func (s *Service) DispatchOnce() int {
	pending, err := s.queue.Pending()
	if err != nil {
		s.logger.Error().Err(err).Msg("Dispatch failed to read pending queue")
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	workers, err := s.workers.List(nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Dispatch failed to list workers")
		return 0
	}

	dispatched := 0
	for _, job := range pending {
		best := pickWorker(workers, job)
		if best == nil {
			s.logger.Debug().
				Str("job_id", job.ID).
				Strs("required_tags", job.RequiredTags).
				Msg("No eligible worker for job")
			continue
		}

		if err := s.queue.Assign(job.ID, best.ID); err != nil {
			s.logger.Error().Err(err).
				Str("job_id", job.ID).
				Str("worker_id", best.ID).
				Msg("Assignment failed")
			continue
		}

		// Track the slot in this pass's snapshot so capacity holds
		// without refetching the registry.
		best.AddJob(job.ID)
		dispatched++

		metrics.JobsDispatched.Inc()
		metrics.DispatchLatency.Observe(time.Since(job.SubmittedAt).Seconds())
	}

	if dispatched > 0 {
		s.logger.Info().Int("dispatched", dispatched).Msg("Dispatch pass assigned jobs")
	}
	return dispatched
}

// pickWorker returns the best eligible worker for the job, or nil
func pickWorker(workers []*models.Worker, job *models.Job) *models.Worker {
	var eligible []*models.Worker
	for _, w := range workers {
		if w.Status != models.WorkerStatusOnline {
			continue
		}
		if w.AtCapacity() {
			continue
		}
		if !w.HasAllTags(job.RequiredTags) {
			continue
		}
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		return scoreBetter(eligible[i], eligible[j], job)
	})
	return eligible[0]
}

// scoreBetter orders two eligible workers: more preferred-tag overlap,
// then higher priority boost (the local executor's -1000 puts it last),
// then lighter load, then lexicographic id for determinism.
func scoreBetter(a, b *models.Worker, job *models.Job) bool {
	ao, bo := tagOverlap(a, job.PreferredTags), tagOverlap(b, job.PreferredTags)
	if ao != bo {
		return ao > bo
	}
	if a.PriorityBoost != b.PriorityBoost {
		return a.PriorityBoost > b.PriorityBoost
	}
	if len(a.CurrentJobs) != len(b.CurrentJobs) {
		return len(a.CurrentJobs) < len(b.CurrentJobs)
	}
	if a.Stats.Load1m != b.Stats.Load1m {
		return a.Stats.Load1m < b.Stats.Load1m
	}
	return a.ID < b.ID
}

func tagOverlap(w *models.Worker, preferred []string) int {
	overlap := 0
	for _, tag := range preferred {
		if w.HasTag(tag) {
			overlap++
		}
	}
	return overlap
}
