package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/metrics"
)

// ErrNotAssignee is returned when a worker completes a job it does not own
var ErrNotAssignee = errors.New("job is not assigned to this worker")

// cmdbForwardLimit bounds concurrent per-host CMDB posts
const cmdbForwardLimit = 4

// Service runs the completion pipeline: log persistence, the
// authoritative state transition, worker stats, CMDB fact forwarding,
// the piggybacked check-in, the log-review webhook and UI events.
// Only the transition can fail the call; everything else is best-effort.
type Service struct {
	queue    interfaces.QueueService
	workers  interfaces.WorkerStorage
	registry interfaces.RegistryService
	broker   interfaces.LogBroker
	events   interfaces.EventService
	cfg      *common.CompletionConfig
	logger   arbor.ILogger

	cmdbClient    *http.Client
	webhookClient *http.Client
}

// NewService creates the completion pipeline
func NewService(
	storage interfaces.StorageManager,
	queue interfaces.QueueService,
	registry interfaces.RegistryService,
	broker interfaces.LogBroker,
	events interfaces.EventService,
	cfg *common.CompletionConfig,
	logger arbor.ILogger,
) *Service {
	return &Service{
		queue:         queue,
		workers:       storage.WorkerStorage(),
		registry:      registry,
		broker:        broker,
		events:        events,
		cfg:           cfg,
		logger:        logger,
		cmdbClient:    &http.Client{Timeout: 10 * time.Second},
		webhookClient: &http.Client{Timeout: cfg.WebhookTimeoutDuration()},
	}
}

// Complete processes a worker's completion report for a job
func (s *Service) Complete(jobID string, req *models.CompleteRequest) (*models.CompleteResponse, error) {
	job, err := s.queue.Get(jobID)
	if err != nil {
		return nil, err
	}

	// Step 1: only the assigned worker may complete the job
	if job.AssignedWorker == nil || *job.AssignedWorker != req.WorkerID {
		return nil, ErrNotAssignee
	}

	// A job cancelled while running still gets its report: store the
	// log, free the slot, but keep the cancelled status.
	if job.IsTerminal() {
		return s.reconcileTerminal(job, req), nil
	}

	resp := &models.CompleteResponse{}

	// Step 2: persist the log under its final name; failure is logged
	// and reported but never blocks the transition.
	finalName := s.finalLogName(job, req.LogFile)
	if err := s.broker.Finalize(jobID, finalName, req.LogContent); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist final log")
	} else {
		resp.LogStored = true
	}

	// Step 3: the authoritative transition
	job, err = s.queue.Finish(jobID, req.ExitCode, req.ErrorMessage, req.DurationSeconds, finalName)
	if err != nil {
		return nil, err
	}
	resp.Status = string(job.Status)

	metrics.JobsCompleted.WithLabelValues(string(job.Status)).Inc()
	metrics.JobDuration.Observe(req.DurationSeconds)

	// Steps 4 and 5: worker stats and slot release
	if s.updateWorkerStats(req.WorkerID, jobID, job.Status, req.DurationSeconds) {
		resp.WorkerStatsUpdated = true
	}

	// Step 6: CMDB fact forwarding
	if len(req.CMDBFacts) > 0 {
		resp.CMDBFactsStored = s.forwardFacts(job, req.CMDBFacts)
	}

	// Step 7: piggybacked check-in
	if req.Checkin != nil {
		if _, err := s.registry.Checkin(req.WorkerID, req.Checkin); err != nil {
			s.logger.Warn().Err(err).Str("worker_id", req.WorkerID).Msg("Piggybacked checkin failed")
		} else {
			resp.CheckinProcessed = true
		}
	}

	// Step 8: log-review webhook, fire-and-forget
	s.fireReviewWebhook(jobID, req.ExitCode)

	// Step 9: UI events
	s.publishCompletion(job)

	s.logger.Info().
		Str("job_id", jobID).
		Str("worker_id", req.WorkerID).
		Str("status", string(job.Status)).
		Int("exit_code", req.ExitCode).
		Msg("Completion pipeline finished")

	return resp, nil
}

// reconcileTerminal handles a completion report for a job that reached a
// terminal state on the primary first (cancellation race).
func (s *Service) reconcileTerminal(job *models.Job, req *models.CompleteRequest) *models.CompleteResponse {
	resp := &models.CompleteResponse{Status: string(job.Status)}

	// Finalize what the executor has: pushed content, or the partial the
	// broker accumulated while the job streamed.
	finalName := s.finalLogName(job, req.LogFile)
	if err := s.broker.Finalize(job.ID, finalName, req.LogContent); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to store log for reconciled job")
	} else {
		resp.LogStored = true
	}

	if worker, err := s.workers.Get(req.WorkerID); err == nil && worker.HasJob(job.ID) {
		worker.RemoveJob(job.ID)
		if err := s.workers.Save(worker); err != nil {
			s.logger.Warn().Err(err).Str("worker_id", worker.ID).Msg("Failed to free reconciled job slot")
		}
	}

	if req.Checkin != nil {
		if _, err := s.registry.Checkin(req.WorkerID, req.Checkin); err == nil {
			resp.CheckinProcessed = true
		}
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Msg("Reconciled completion for terminal job")

	return resp
}

// finalLogName prefers the worker-chosen name and otherwise derives
// <playbook>_<short_id>_<timestamp>.log.
func (s *Service) finalLogName(job *models.Job, provided string) string {
	if provided != "" {
		return provided
	}
	return fmt.Sprintf("%s_%s_%s.log", job.Playbook, job.ShortID(), time.Now().Format("20060102-150405"))
}

// updateWorkerStats maintains the completion counters and the running
// mean duration, and releases the job slot.
func (s *Service) updateWorkerStats(workerID, jobID string, status models.JobStatus, duration float64) bool {
	worker, err := s.workers.Get(workerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Completion for unknown worker")
		return false
	}

	previous := worker.Stats.JobsCompleted + worker.Stats.JobsFailed
	worker.Stats.AvgJobDuration = (worker.Stats.AvgJobDuration*float64(previous) + duration) / float64(previous+1)
	if status == models.JobStatusCompleted {
		worker.Stats.JobsCompleted++
	} else {
		worker.Stats.JobsFailed++
	}
	now := time.Now()
	worker.Stats.LastJobCompleted = &now

	worker.RemoveJob(jobID)

	if err := s.workers.Save(worker); err != nil {
		s.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to save worker stats")
		return false
	}
	return true
}

// forwardFacts posts each host's facts to the CMDB with job metadata.
// Returns true only when every host was stored.
func (s *Service) forwardFacts(job *models.Job, facts map[string]map[string]interface{}) bool {
	if s.cfg.CMDBURL == "" {
		s.logger.Debug().Str("job_id", job.ID).Msg("CMDB facts received but no CMDB configured")
		return false
	}

	collectedAt := time.Now().UTC().Format(time.RFC3339)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(cmdbForwardLimit)

	for host, hostFacts := range facts {
		host, hostFacts := host, hostFacts
		g.Go(func() error {
			payload := map[string]interface{}{
				"host":  host,
				"facts": hostFacts,
				"metadata": map[string]string{
					"job_id":       job.ID,
					"playbook":     job.Playbook,
					"collected_at": collectedAt,
				},
			}
			return s.postJSON(ctx, s.cmdbClient, s.cfg.CMDBURL, payload)
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("CMDB forwarding incomplete")
		return false
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("hosts", len(facts)).
		Msg("CMDB facts forwarded")
	return true
}

// fireReviewWebhook notifies the external log-review agent. The call is
// asynchronous; agent failures never reach the worker.
func (s *Service) fireReviewWebhook(jobID string, exitCode int) {
	if s.cfg.WebhookURL == "" {
		return
	}

	common.SafeGo(s.logger, "review-webhook", func() {
		payload := map[string]interface{}{
			"job_id":    jobID,
			"exit_code": exitCode,
		}
		if err := s.postJSON(context.Background(), s.webhookClient, s.cfg.WebhookURL, payload); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Log-review webhook failed")
		}
	})
}

func (s *Service) postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}

func (s *Service) publishCompletion(job *models.Job) {
	if s.events == nil {
		return
	}

	ctx := context.Background()
	if err := s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: job,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish job completion")
	}

	review := map[string]interface{}{
		"job_id":    job.ID,
		"exit_code": derefInt(job.ExitCode),
		"status":    string(job.Status),
	}
	if err := s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventReviewReady,
		Payload: review,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish review event")
	}
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
