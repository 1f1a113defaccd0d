package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// StatusHandler serves the cluster overview the dashboard polls
type StatusHandler struct {
	storage interfaces.StorageManager
	content interfaces.ContentService
	logger  arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(storage interfaces.StorageManager, contentService interfaces.ContentService, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		storage: storage,
		content: contentService,
		logger:  logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobs := map[string]int{}
	for _, status := range []models.JobStatus{
		models.JobStatusQueued, models.JobStatusAssigned, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	} {
		if n, err := h.storage.JobStorage().CountByStatus(status); err == nil {
			jobs[string(status)] = n
		}
	}

	workers := map[string]int{}
	for _, status := range []models.WorkerStatus{
		models.WorkerStatusOnline, models.WorkerStatusBusy,
		models.WorkerStatusOffline, models.WorkerStatusStale,
	} {
		list, err := h.storage.WorkerStorage().List(&models.WorkerFilter{Status: status})
		if err == nil {
			workers[string(status)] = len(list)
		}
	}

	revision := ""
	if rev, err := h.content.CurrentRevision(); err == nil {
		revision = models.ShortRevision(rev)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":     jobs,
		"workers":  workers,
		"revision": revision,
	})
}
