package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/completion"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/queue"
)

var validate = validator.New()

// JobHandler serves the job API: submissions and views for operators,
// start/stream/complete for workers.
type JobHandler struct {
	queue      interfaces.QueueService
	completion interfaces.CompletionService
	broker     interfaces.LogBroker
	auth       interfaces.AuthService
	audits     interfaces.AuditStorage
	logger     arbor.ILogger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(queueService interfaces.QueueService, completionService interfaces.CompletionService, broker interfaces.LogBroker, authService interfaces.AuthService, audits interfaces.AuditStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		queue:      queueService,
		completion: completionService,
		broker:     broker,
		auth:       authService,
		audits:     audits,
		logger:     logger,
	}
}

// SubmitHandler handles POST /api/jobs
func (h *JobHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var sub models.JobSubmission
	if !DecodeJSON(w, r, &sub) {
		return
	}
	if err := validate.Struct(&sub); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid submission: %v", err))
		return
	}

	principal := PrincipalFrom(r)
	job, err := h.queue.Submit(&sub, principal.Username)
	if err != nil {
		h.logger.Error().Err(err).Str("playbook", sub.Playbook).Msg("Job submission failed")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "job.submit", "jobs/"+job.ID, sub.Playbook, true))
	WriteJSON(w, http.StatusCreated, job)
}

// ListHandler handles GET /api/jobs?status=&playbook=&worker=&limit=&offset=.
// Principals without jobs.all:view see only their own submissions.
func (h *JobHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	q := r.URL.Query()
	filter := &models.JobFilter{
		Status:         models.JobStatus(q.Get("status")),
		Playbook:       q.Get("playbook"),
		AssignedWorker: q.Get("worker"),
		Limit:          QueryInt(r, "limit", 100),
		Offset:         QueryInt(r, "offset", 0),
	}

	principal := PrincipalFrom(r)
	if !h.auth.CheckPermission(principal, "jobs.all:view") {
		filter.SubmittedBy = principal.Username
	}

	jobs, err := h.queue.List(filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, ok := h.loadVisibleJob(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// CancelHandler handles POST /api/jobs/{id}/cancel. Owners need
// jobs:cancel; cancelling someone else's job needs jobs.all:cancel.
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := PathSegment(r.URL.Path, "/api/jobs/", 0)
	job, err := h.queue.Get(jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	principal := PrincipalFrom(r)
	if !h.auth.CanModify(principal, "jobs", "cancel", job.SubmittedBy) {
		h.audits.Append(models.NewAuditEntry(principal.Username, "job.cancel", "jobs/"+jobID, "permission denied", false))
		WriteError(w, http.StatusForbidden, "Permission denied")
		return
	}

	cancelled, err := h.queue.Cancel(jobID, principal.Username)
	if err != nil {
		if errors.Is(err, queue.ErrConflict) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		WriteError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "job.cancel", "jobs/"+jobID, "", true))
	WriteJSON(w, http.StatusOK, cancelled)
}

// LogHandler handles GET /api/jobs/{id}/log. Returns the final log when
// the job is done, the partial artifact while it runs.
func (h *JobHandler) LogHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, ok := h.loadVisibleJob(w, r)
	if !ok {
		return
	}

	var content string
	var final bool
	var err error
	if job.LogFile != "" {
		content, err = h.broker.Read(job.LogFile)
		final = true
	}
	if job.LogFile == "" || err != nil {
		content, final, err = h.broker.ReadJob(job.ID)
	}
	if err != nil {
		WriteError(w, http.StatusNotFound, "No log available for this job")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  job.ID,
		"content": content,
		"final":   final,
	})
}

// StartHandler handles POST /api/jobs/{id}/start (worker route)
func (h *JobHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := PathSegment(r.URL.Path, "/api/jobs/", 0)
	var req models.StartJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := h.queue.Start(jobID, req.WorkerID, req.LogFile); err != nil {
		h.writeQueueError(w, jobID, req.WorkerID, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": string(models.JobStatusRunning)})
}

// StreamLogHandler handles POST /api/jobs/{id}/log/stream (worker route)
func (h *JobHandler) StreamLogHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := PathSegment(r.URL.Path, "/api/jobs/", 0)
	var req models.LogStreamRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := h.broker.Stream(jobID, req.WorkerID, req.Content, req.Append); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to store log chunk")
		WriteError(w, http.StatusInternalServerError, "Failed to store log chunk")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{})
}

// CompleteHandler handles POST /api/jobs/{id}/complete (worker route)
func (h *JobHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := PathSegment(r.URL.Path, "/api/jobs/", 0)
	var req models.CompleteRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, err := h.completion.Complete(jobID, &req)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		if errors.Is(err, completion.ErrNotAssignee) || errors.Is(err, queue.ErrConflict) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Completion failed")
		WriteError(w, http.StatusInternalServerError, "Completion failed")
		return
	}

	WriteJSON(w, http.StatusOK, resp)
}

// loadVisibleJob fetches the job and applies the ownership view rule
func (h *JobHandler) loadVisibleJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID := PathSegment(r.URL.Path, "/api/jobs/", 0)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return nil, false
	}

	job, err := h.queue.Get(jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return nil, false
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "Failed to load job")
		return nil, false
	}

	principal := PrincipalFrom(r)
	if !h.auth.CheckPermission(principal, "jobs.all:view") && job.SubmittedBy != principal.Username {
		WriteError(w, http.StatusForbidden, "Permission denied")
		return nil, false
	}
	return job, true
}

// writeQueueError maps queue transition errors onto the API taxonomy
func (h *JobHandler) writeQueueError(w http.ResponseWriter, jobID, workerID string, err error) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, queue.ErrWrongWorker):
		WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, queue.ErrConflict):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Str("job_id", jobID).Str("worker_id", workerID).Msg("Job transition failed")
		WriteError(w, http.StatusInternalServerError, "Job transition failed")
	}
}
