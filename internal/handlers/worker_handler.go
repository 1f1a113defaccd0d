package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/registry"
)

// WorkerHandler serves the worker lifecycle API: registration, check-in,
// assigned-job polling, and the operator's worker views.
type WorkerHandler struct {
	registry interfaces.RegistryService
	queue    interfaces.QueueService
	audits   interfaces.AuditStorage
	logger   arbor.ILogger
}

// NewWorkerHandler creates a new WorkerHandler
func NewWorkerHandler(registryService interfaces.RegistryService, queueService interfaces.QueueService, audits interfaces.AuditStorage, logger arbor.ILogger) *WorkerHandler {
	return &WorkerHandler{
		registry: registryService,
		queue:    queueService,
		audits:   audits,
		logger:   logger,
	}
}

// RegisterHandler handles POST /api/workers/register. The shared
// registration token in the body is the only credential on this route.
func (h *WorkerHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.RegisterRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, err := h.registry.Register(&req)
	if err != nil {
		if errors.Is(err, registry.ErrBadToken) {
			h.audits.Append(models.NewAuditEntry(req.Name, "worker.register", "workers", "invalid registration token", false))
			WriteError(w, http.StatusUnauthorized, "Invalid registration token")
			return
		}
		h.logger.Error().Err(err).Str("name", req.Name).Msg("Worker registration failed")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.audits.Append(models.NewAuditEntry(req.Name, "worker.register", "workers/"+resp.WorkerID, "", true))
	WriteJSON(w, http.StatusOK, resp)
}

// CheckinHandler handles POST /api/workers/{id}/checkin
func (h *WorkerHandler) CheckinHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	workerID := PathSegment(r.URL.Path, "/api/workers/", 0)
	if workerID == "" {
		WriteError(w, http.StatusBadRequest, "Worker ID is required")
		return
	}

	var req models.CheckinRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	resp, err := h.registry.Checkin(workerID, &req)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Worker not found")
			return
		}
		h.logger.Error().Err(err).Str("worker_id", workerID).Msg("Check-in failed")
		WriteError(w, http.StatusInternalServerError, "Check-in failed")
		return
	}

	WriteJSON(w, http.StatusOK, resp)
}

// PollJobsHandler handles GET /api/workers/{id}/jobs?status=assigned.
// Workers poll this between check-ins to pick up dispatched work.
func (h *WorkerHandler) PollJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	workerID := PathSegment(r.URL.Path, "/api/workers/", 0)
	if workerID == "" {
		WriteError(w, http.StatusBadRequest, "Worker ID is required")
		return
	}

	statuses := []models.JobStatus{models.JobStatusAssigned}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = []models.JobStatus{models.JobStatus(raw)}
	}

	jobs, err := h.queue.ByWorker(workerID, statuses...)
	if err != nil {
		h.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to list worker jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, &models.JobListResponse{Jobs: jobs})
}

// ListHandler handles GET /api/workers?status=&tag=
func (h *WorkerHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	filter := &models.WorkerFilter{
		Status: models.WorkerStatus(r.URL.Query().Get("status")),
		Tag:    r.URL.Query().Get("tag"),
	}

	workers, err := h.registry.List(filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list workers")
		WriteError(w, http.StatusInternalServerError, "Failed to list workers")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetHandler handles GET /api/workers/{id}
func (h *WorkerHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	workerID := PathSegment(r.URL.Path, "/api/workers/", 0)
	worker, err := h.registry.Get(workerID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Worker not found")
			return
		}
		h.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to get worker")
		WriteError(w, http.StatusInternalServerError, "Failed to get worker")
		return
	}

	WriteJSON(w, http.StatusOK, worker)
}

// DeleteHandler handles DELETE /api/workers/{id}. The local executor and
// workers with active jobs are refused with 409.
func (h *WorkerHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	workerID := PathSegment(r.URL.Path, "/api/workers/", 0)
	principal := PrincipalFrom(r)

	err := h.registry.Delete(workerID)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
			WriteError(w, http.StatusNotFound, "Worker not found")
		case errors.Is(err, registry.ErrLocalWorker), errors.Is(err, registry.ErrWorkerBusy):
			h.audits.Append(models.NewAuditEntry(principal.Username, "worker.delete", "workers/"+workerID, err.Error(), false))
			WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to delete worker")
			WriteError(w, http.StatusInternalServerError, "Failed to delete worker")
		}
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "worker.delete", "workers/"+workerID, "", true))
	WriteSuccess(w, "Worker removed")
}
