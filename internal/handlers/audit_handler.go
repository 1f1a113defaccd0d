package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
)

// AuditHandler serves the audit trail
type AuditHandler struct {
	audits interfaces.AuditStorage
	logger arbor.ILogger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audits interfaces.AuditStorage, logger arbor.ILogger) *AuditHandler {
	return &AuditHandler{
		audits: audits,
		logger: logger,
	}
}

// ListHandler handles GET /api/audit?limit=. Entries come back newest
// first, capped at 1000 per request.
func (h *AuditHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := QueryInt(r, "limit", 200)
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	entries, err := h.audits.List(limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list audit entries")
		WriteError(w, http.StatusInternalServerError, "Failed to list audit entries")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
