// Package localexec runs the jobs the dispatcher hands to the reserved
// local worker. The primary is its own executor for these jobs: it calls
// the queue, log broker and completion pipeline in-process instead of
// going through the worker HTTP API.
package localexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/playbook"
)

// Service executes local-worker jobs. It wakes when the dispatcher
// assigns to the local worker and additionally scans on a timer, so a
// missed wakeup only delays execution by one poll interval. Unlike
// remote workers, cancelling a running local job kills its process.
type Service struct {
	queue      interfaces.QueueService
	completion interfaces.CompletionService
	broker     interfaces.LogBroker
	workers    interfaces.WorkerStorage
	events     interfaces.EventService
	logger     arbor.ILogger

	contentDir string
	interval   time.Duration

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the local executor
func NewService(storage interfaces.StorageManager, queue interfaces.QueueService, completion interfaces.CompletionService, broker interfaces.LogBroker, events interfaces.EventService, contentDir string, interval time.Duration, logger arbor.ILogger) *Service {
	if abs, err := filepath.Abs(contentDir); err == nil {
		contentDir = abs
	}
	return &Service{
		queue:      queue,
		completion: completion,
		broker:     broker,
		workers:    storage.WorkerStorage(),
		events:     events,
		logger:     logger,
		contentDir: contentDir,
		interval:   interval,
		kick:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		inFlight:   make(map[string]context.CancelFunc),
	}
}

// Start recovers orphaned jobs, subscribes to assignment events and runs
// the scan loop.
func (s *Service) Start() error {
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	s.recoverOrphans()

	err := s.events.Subscribe(interfaces.EventJobAssigned, func(_ context.Context, event interfaces.Event) error {
		if job, ok := event.Payload.(*models.Job); ok && job.AssignedWorker != nil && *job.AssignedWorker == models.LocalWorkerID {
			s.Trigger()
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = s.events.Subscribe(interfaces.EventJobCancelled, func(_ context.Context, event interfaces.Event) error {
		if job, ok := event.Payload.(*models.Job); ok {
			s.interrupt(job.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info().Str("content_dir", s.contentDir).Msg("Local executor started")

		for {
			select {
			case <-s.kick:
				s.ScanOnce()
			case <-ticker.C:
				s.ScanOnce()
			case <-s.stopCh:
				return
			}
		}
	}()

	s.Trigger()
	return nil
}

// Stop halts the scan loop, kills running playbooks and waits for their
// completion reports to land.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.cancel()
	s.wg.Wait()
}

// Trigger requests a scan pass; concurrent triggers coalesce
func (s *Service) Trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ScanOnce launches every local job currently assigned and not yet running
func (s *Service) ScanOnce() {
	jobs, err := s.queue.ByWorker(models.LocalWorkerID, models.JobStatusAssigned)
	if err != nil {
		s.logger.Error().Err(err).Msg("Local executor failed to list assigned jobs")
		return
	}
	for _, job := range jobs {
		s.launch(job)
	}
}

func (s *Service) launch(job *models.Job) {
	s.mu.Lock()
	if _, running := s.inFlight[job.ID]; running {
		s.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(s.runCtx)
	s.inFlight[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(job.ID)
		defer func() {
			if r := recover(); r != nil {
				stackTrace := common.GetStackTrace()
				s.logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("job_id", job.ShortID()).
					Str("stack", stackTrace).
					Msg("Local job run panicked - writing crash file")
				common.WriteCrashFile(r, stackTrace)
				s.recoverPanicked(job.ID)
			}
		}()
		s.run(jobCtx, job)
	}()
}

func (s *Service) release(jobID string) {
	s.mu.Lock()
	if cancel, ok := s.inFlight[jobID]; ok {
		cancel()
		delete(s.inFlight, jobID)
	}
	s.mu.Unlock()
}

// interrupt kills the job's playbook process if it is running here.
// Jobs not in flight locally are ignored.
func (s *Service) interrupt(jobID string) {
	s.mu.Lock()
	cancel, ok := s.inFlight[jobID]
	s.mu.Unlock()
	if ok {
		s.logger.Info().Str("job_id", jobID).Msg("Killing cancelled local job")
		cancel()
	}
}

// run executes one local job end to end. The broker owns the partial
// artifact, so the completion report carries no log content: finalizing
// promotes what was streamed.
func (s *Service) run(ctx context.Context, job *models.Job) {
	start := time.Now()
	logName := playbook.FinalLogName(job, start)

	log := s.logger.WithFields(map[string]interface{}{
		"job_id":   job.ShortID(),
		"playbook": job.Playbook,
	})

	if err := s.queue.Start(job.ID, models.LocalWorkerID, logName); err != nil {
		// Cancelled or reassigned since the scan; nothing to run.
		log.Warn().Err(err).Msg("Local job no longer startable")
		return
	}

	log.Info().Str("log_file", logName).Msg("Local job started")

	resolved := playbook.Resolve(s.contentDir, job.Playbook)
	inventory := filepath.Join(s.contentDir, "inventory")
	args := playbook.Args(job, resolved, inventory)

	stream := newBrokerStream(s.broker, job.ID, log)
	stream.Write(playbook.Header(s.localName(), models.LocalWorkerID, job, args, start))
	stream.Flush()

	factsPath := filepath.Join(os.TempDir(), "simpleweb-facts-"+job.ID+".json")
	exitCode, errorMessage := playbook.Run(ctx, s.contentDir, args, factsPath, func(line string) {
		if stream.Write(line) {
			stream.Flush()
		}
	})

	duration := time.Since(start)
	stream.Write(playbook.Footer(exitCode, duration))
	stream.Flush()

	req := &models.CompleteRequest{
		WorkerID:        models.LocalWorkerID,
		ExitCode:        exitCode,
		LogFile:         logName,
		ErrorMessage:    errorMessage,
		DurationSeconds: duration.Seconds(),
		CMDBFacts:       playbook.ReadFacts(factsPath),
	}
	if _, err := s.completion.Complete(job.ID, req); err != nil {
		log.Error().Err(err).Msg("Local job completion failed")
		return
	}

	log.Info().
		Int("exit_code", exitCode).
		Str("duration", duration.Round(time.Millisecond).String()).
		Msg("Local job finished")
}

// recoverOrphans requeues local jobs a previous process left running.
// The local worker is never swept stale, so without this they would
// stay running forever after a crash.
func (s *Service) recoverOrphans() {
	orphans, err := s.queue.ByWorker(models.LocalWorkerID, models.JobStatusRunning)
	if err != nil {
		s.logger.Error().Err(err).Msg("Local executor failed to list orphaned jobs")
		return
	}
	if len(orphans) == 0 {
		return
	}

	worker, err := s.workers.Get(models.LocalWorkerID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Local executor failed to load local worker")
		worker = nil
	}

	recovered := 0
	for _, job := range orphans {
		if err := s.queue.Requeue(job.ID, "requeued: local executor restarted"); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue orphaned local job")
			continue
		}
		if worker != nil {
			worker.RemoveJob(job.ID)
		}
		recovered++
	}
	if recovered == 0 {
		return
	}
	if worker != nil {
		if err := s.workers.Save(worker); err != nil {
			s.logger.Error().Err(err).Msg("Failed to clear orphaned local slots")
		}
	}
	s.logger.Warn().Int("requeued", recovered).Msg("Recovered jobs orphaned by executor restart")
}

// recoverPanicked puts a job whose run died mid-flight back in the
// queue and frees its slot, the same recovery the sweeper applies to a
// lost remote worker. A conflict means the run already reached a
// terminal transition; the job is left alone then.
func (s *Service) recoverPanicked(jobID string) {
	if err := s.queue.Requeue(jobID, "requeued: local run panicked"); err != nil {
		return
	}
	if worker, err := s.workers.Get(models.LocalWorkerID); err == nil {
		worker.RemoveJob(jobID)
		if err := s.workers.Save(worker); err != nil {
			s.logger.Error().Err(err).Msg("Failed to free slot of panicked local job")
		}
	}
}

func (s *Service) localName() string {
	if worker, err := s.workers.Get(models.LocalWorkerID); err == nil {
		return worker.Name
	}
	return "local"
}
