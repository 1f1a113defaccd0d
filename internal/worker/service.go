package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// Runtime states
type State string

const (
	StateStarting    State = "starting"
	StateRegistering State = "registering"
	StateSyncing     State = "syncing"
	StateIdle        State = "idle"
	StateBusy        State = "busy"
	StateStopping    State = "stopping"
	StateError       State = "error"
)

const (
	startupMaxBackoff = 60 * time.Second
	drainTimeout      = 30 * time.Second
	tickInterval      = time.Second
)

type activeJob struct {
	job       *models.Job
	startedAt time.Time
}

// Worker is the node runtime: one single-threaded scheduler loop driving
// check-in, content sync and job polling, plus one goroutine per running
// job and one for the notification socket. The loop itself never blocks
// on subprocess output.
type Worker struct {
	cfg    *Config
	client *Client
	syncer *Syncer
	runner *runner
	notify *notifier
	stats  *statsCollector
	logger arbor.ILogger

	mu     sync.Mutex
	state  State
	active map[string]*activeJob

	syncPending  atomic.Bool
	checkinEvery time.Duration

	wg sync.WaitGroup
}

// New wires the runtime from config
func New(cfg *Config, logger arbor.ILogger) (*Worker, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	syncer, err := NewSyncer(cfg, client, logger)
	if err != nil {
		return nil, err
	}

	run, err := newRunner(cfg, client, syncer.Dir(), logger)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:          cfg,
		client:       client,
		syncer:       syncer,
		runner:       run,
		stats:        newStatsCollector(),
		logger:       logger,
		state:        StateStarting,
		active:       make(map[string]*activeJob),
		checkinEvery: cfg.CheckinIntervalDuration(),
	}
	w.notify = newNotifier(cfg, client, w.onSyncAvailable, logger)
	return w, nil
}

// State returns the current runtime state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run drives the runtime until ctx is cancelled. Startup failures that
// retrying cannot fix, like a rejected registration token, end the run.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Str("name", w.cfg.Name).
		Str("server", w.cfg.ServerURL).
		Strs("tags", w.cfg.Tags).
		Int("max_concurrent", w.cfg.MaxConcurrentJobs).
		Msg("Worker starting")

	if err := w.startup(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.setState(StateError)
		return err
	}

	// Jobs drain on their own context so a stop signal does not kill
	// running playbooks before the drain window ends.
	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	defer jobsCancel()

	notifyCtx, notifyCancel := context.WithCancel(context.Background())
	defer notifyCancel()
	go w.notify.Run(notifyCtx)

	w.setState(StateIdle)
	w.loop(ctx, jobsCtx)

	w.shutdown(jobsCancel)
	return nil
}

// startup walks STARTING -> REGISTERING -> SYNCING per the runtime state
// machine, retrying each step with capped exponential backoff.
func (w *Worker) startup(ctx context.Context) error {
	w.setState(StateStarting)
	if err := w.withBackoff(ctx, "health check", func(ctx context.Context) error {
		return w.client.Health(ctx)
	}); err != nil {
		return err
	}

	w.setState(StateRegistering)
	if err := w.withBackoff(ctx, "registration", func(ctx context.Context) error {
		resp, err := w.client.Register(ctx, &models.RegisterRequest{
			Name:          w.cfg.Name,
			Tags:          w.cfg.Tags,
			Token:         w.cfg.RegistrationToken,
			MaxConcurrent: w.cfg.MaxConcurrentJobs,
		})
		if err != nil {
			return err
		}
		if resp.CheckinInterval > 0 {
			w.checkinEvery = time.Duration(resp.CheckinInterval) * time.Second
		}
		w.logger.Info().
			Str("worker_id", resp.WorkerID).
			Str("checkin_interval", w.checkinEvery.String()).
			Msg("Registered with primary")
		return nil
	}); err != nil {
		return err
	}

	w.setState(StateSyncing)
	return w.withBackoff(ctx, "initial sync", func(ctx context.Context) error {
		return w.syncer.FullSync(ctx)
	})
}

// withBackoff retries fn until it succeeds, ctx ends, or the primary
// rejects our credentials.
func (w *Worker) withBackoff(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := time.Second
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsAuthError(err) {
			return fmt.Errorf("%s rejected: %w", op, err)
		}

		w.logger.Warn().Err(err).Str("backoff", backoff.String()).Msgf("%s failed, retrying", op)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > startupMaxBackoff {
			backoff = startupMaxBackoff
		}
	}
}

// loop is the single-threaded scheduler. Each tick runs the due branches
// in order: check-in, sync, poll, state refresh.
func (w *Worker) loop(ctx context.Context, jobsCtx context.Context) {
	var lastCheckin, lastSyncCheck, lastPoll, lastRevisionPoll time.Time

	syncEvery := w.cfg.SyncIntervalDuration()
	pollEvery := w.cfg.PollIntervalDuration()
	revisionEvery := w.cfg.RevisionPollIntervalDuration()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()

		if now.Sub(lastCheckin) >= w.checkinEvery {
			lastCheckin = now
			w.doCheckin(ctx)
		}

		if now.Sub(lastSyncCheck) >= syncEvery || w.syncPending.Load() {
			w.syncPending.Store(false)
			lastSyncCheck = now
			w.doSync(ctx)
		}

		if now.Sub(lastPoll) >= pollEvery {
			lastPoll = now
			w.doPoll(ctx, jobsCtx)
		}

		// Polling fallback while the push socket is down
		if !w.notify.Connected() && now.Sub(lastRevisionPoll) >= revisionEvery {
			lastRevisionPoll = now
			if needed, _, err := w.syncer.CheckNeeded(ctx); err == nil && needed {
				w.syncPending.Store(true)
			}
		}

		if w.activeCount() > 0 {
			w.setState(StateBusy)
		} else {
			w.setState(StateIdle)
		}
	}
}

// doCheckin reports liveness, stats and active jobs; the response can pull
// the next check-in closer and flag a pending sync.
func (w *Worker) doCheckin(ctx context.Context) {
	resp, err := w.client.Checkin(ctx, w.buildCheckin())
	if err != nil {
		w.logger.Warn().Err(err).Msg("Check-in failed")
		return
	}

	if resp.NextCheckinSeconds > 0 {
		w.checkinEvery = time.Duration(resp.NextCheckinSeconds) * time.Second
	}
	if resp.SyncNeeded {
		w.syncPending.Store(true)
	}
}

// buildCheckin assembles the heartbeat payload. Also used as the
// completion piggyback, so it must be safe from job goroutines.
func (w *Worker) buildCheckin() *models.CheckinRequest {
	revision := w.syncer.Revision()
	status := string(models.WorkerStatusOnline)
	if w.activeCount() > 0 {
		status = string(models.WorkerStatusBusy)
	}
	maxConcurrent := w.cfg.MaxConcurrentJobs

	req := &models.CheckinRequest{
		Stats:         w.stats.Collect(),
		Status:        &status,
		ActiveJobs:    w.activeSummaries(),
		MaxConcurrent: &maxConcurrent,
	}
	if revision != "" {
		req.SyncRevision = &revision
	}
	return req
}

// doSync folds pending flags and the timer into one serialized sync round
func (w *Worker) doSync(ctx context.Context) {
	needed, server, err := w.syncer.CheckNeeded(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Sync check failed")
		return
	}
	if !needed {
		return
	}

	w.logger.Info().
		Str("local", models.ShortRevision(w.syncer.Revision())).
		Str("server", models.ShortRevision(server)).
		Msg("Content out of date, syncing")

	if err := w.syncer.Sync(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Sync failed")
	}
}

// doPoll fetches assigned jobs and spawns a job worker for each new one,
// never exceeding max_concurrent.
func (w *Worker) doPoll(ctx context.Context, jobsCtx context.Context) {
	if w.activeCount() >= w.cfg.MaxConcurrentJobs {
		return
	}

	jobs, err := w.client.PollJobs(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Job poll failed")
		return
	}

	for _, job := range jobs {
		w.spawn(jobsCtx, job)
	}
}

// spawn starts one job worker goroutine if the job is new and a slot is
// free. The active map is the only "seen" record: a job whose start report
// failed drops out and is retried on a later poll.
func (w *Worker) spawn(jobsCtx context.Context, job *models.Job) {
	w.mu.Lock()
	if _, running := w.active[job.ID]; running {
		w.mu.Unlock()
		return
	}
	if len(w.active) >= w.cfg.MaxConcurrentJobs {
		w.mu.Unlock()
		return
	}
	w.active[job.ID] = &activeJob{job: job, startedAt: time.Now()}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.removeActive(job.ID)

		// A runner panic is fatal for the process: the crash report is
		// written and the primary's stale sweep requeues the jobs.
		defer func() {
			if r := recover(); r != nil {
				stackTrace := common.GetStackTrace()
				w.logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", stackTrace).
					Str("job_id", job.ID).
					Msg("FATAL: Job runner panicked - writing crash file")
				common.WriteCrashFile(r, stackTrace)
				os.Exit(1)
			}
		}()

		w.runner.Run(jobsCtx, job, w.buildCheckin)
	}()
}

func (w *Worker) removeActive(jobID string) {
	w.mu.Lock()
	delete(w.active, jobID)
	w.mu.Unlock()
}

func (w *Worker) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

func (w *Worker) activeSummaries() []models.ActiveJobSummary {
	w.mu.Lock()
	defer w.mu.Unlock()

	summaries := make([]models.ActiveJobSummary, 0, len(w.active))
	for _, entry := range w.active {
		summaries = append(summaries, models.ActiveJobSummary{
			JobID:      entry.job.ID,
			Status:     string(models.JobStatusRunning),
			Playbook:   entry.job.Playbook,
			RunningFor: time.Since(entry.startedAt).Seconds(),
		})
	}
	return summaries
}

// shutdown stops accepting jobs, waits out the drain window, then sends a
// final offline check-in.
func (w *Worker) shutdown(jobsCancel context.CancelFunc) {
	w.setState(StateStopping)
	w.logger.Info().Int("active_jobs", w.activeCount()).Msg("Worker stopping")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		w.logger.Warn().Int("active_jobs", w.activeCount()).Msg("Drain window expired, terminating jobs")
		jobsCancel()
		<-done
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeoutCheckin)
	defer cancel()

	status := string(models.WorkerStatusOffline)
	req := w.buildCheckin()
	req.Status = &status
	req.ActiveJobs = nil
	if _, err := w.client.Checkin(ctx, req); err != nil {
		w.logger.Warn().Err(err).Msg("Final check-in failed")
	}

	w.logger.Info().Msg("Worker stopped")
}

// onSyncAvailable handles a push notification; a revision we already hold
// is discarded.
func (w *Worker) onSyncAvailable(revision string) {
	if revision == w.syncer.Revision() {
		return
	}
	w.logger.Debug().Str("revision", models.ShortRevision(revision)).Msg("Sync notification received")
	w.syncPending.Store(true)
}
