package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/metrics"
)

// gaugeRefreshSchedule keeps the cluster gauges close to live state
const gaugeRefreshSchedule = "@every 30s"

// SessionPurger removes expired sessions and reports how many went
type SessionPurger interface {
	PurgeExpired() int
}

// Service runs the periodic housekeeping on the primary: job history
// cleanup, audit retention, session purging and metric gauge refresh.
type Service struct {
	queue    interfaces.QueueService
	storage  interfaces.StorageManager
	jobs     interfaces.JobStorage
	workers  interfaces.WorkerStorage
	audits   interfaces.AuditStorage
	sessions SessionPurger
	cfg      *common.MaintenanceConfig
	logger   arbor.ILogger
	cron     *cron.Cron

	mu              sync.Mutex
	revisionChanged time.Time
}

// NewService creates the maintenance scheduler
func NewService(
	storage interfaces.StorageManager,
	queue interfaces.QueueService,
	sessions SessionPurger,
	events interfaces.EventService,
	cfg *common.MaintenanceConfig,
	logger arbor.ILogger,
) *Service {
	s := &Service{
		queue:           queue,
		storage:         storage,
		jobs:            storage.JobStorage(),
		workers:         storage.WorkerStorage(),
		audits:          storage.AuditStorage(),
		sessions:        sessions,
		cfg:             cfg,
		logger:          logger,
		cron:            cron.New(),
		revisionChanged: time.Now(),
	}

	if events != nil {
		_ = events.Subscribe(interfaces.EventRevisionChanged, func(ctx context.Context, event interfaces.Event) error {
			s.mu.Lock()
			s.revisionChanged = time.Now()
			s.mu.Unlock()
			return nil
		})
	}

	return s
}

// Start registers the schedules and begins the cron loop
func (s *Service) Start() error {
	schedule := s.cfg.CleanupSchedule
	if schedule == "" {
		schedule = "0 3 * * *"
	}

	if _, err := s.cron.AddFunc(schedule, s.runCleanup); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(gaugeRefreshSchedule, s.refreshGauges); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Msg("Maintenance scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// runCleanup prunes job history, old audit entries and stale sessions
func (s *Service) runCleanup() {
	removed, err := s.queue.Cleanup(s.cfg.JobMaxAgeDays, s.cfg.JobKeepCount)
	if err != nil {
		s.logger.Error().Err(err).Msg("Job history cleanup failed")
	} else if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Job history cleanup removed records")
	}

	if s.cfg.AuditRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.AuditRetentionDays)
		pruned, err := s.audits.DeleteOlderThan(cutoff)
		if err != nil {
			s.logger.Error().Err(err).Msg("Audit retention failed")
		} else if pruned > 0 {
			s.logger.Info().Int("pruned", pruned).Msg("Audit retention removed entries")
		}
	}

	if s.sessions != nil {
		if purged := s.sessions.PurgeExpired(); purged > 0 {
			s.logger.Debug().Int("purged", purged).Msg("Expired sessions purged")
		}
	}

	if err := s.storage.RunGC(); err != nil {
		s.logger.Warn().Err(err).Msg("Storage garbage collection failed")
	}
}

// refreshGauges recomputes the cluster-state gauges from storage
func (s *Service) refreshGauges() {
	if workers, err := s.workers.List(nil); err == nil {
		counts := map[string]int{}
		for _, w := range workers {
			counts[string(w.Status)]++
		}
		for _, status := range []models.WorkerStatus{
			models.WorkerStatusOnline,
			models.WorkerStatusBusy,
			models.WorkerStatusOffline,
			models.WorkerStatusStale,
		} {
			metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[string(status)]))
		}
	}

	for _, status := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusAssigned,
		models.JobStatusRunning,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		if n, err := s.jobs.CountByStatus(status); err == nil {
			metrics.JobsTotal.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	s.mu.Lock()
	age := time.Since(s.revisionChanged).Seconds()
	s.mu.Unlock()
	metrics.ContentRevisionAge.Set(age)
}
