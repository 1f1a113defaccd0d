package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/auth"
)

// TokenHandler serves API token management. The raw token value appears
// exactly once, in the create response.
type TokenHandler struct {
	auth   *auth.Service
	audits interfaces.AuditStorage
	logger arbor.ILogger
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(authService *auth.Service, audits interfaces.AuditStorage, logger arbor.ILogger) *TokenHandler {
	return &TokenHandler{
		auth:   authService,
		audits: audits,
		logger: logger,
	}
}

type createTokenRequest struct {
	Name      string     `json:"name"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ListHandler handles GET /api/tokens?user_id=. Without tokens.all:view
// a principal sees only their own tokens.
func (h *TokenHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	principal := PrincipalFrom(r)
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = principal.UserID
	}
	if userID != principal.UserID && !h.auth.CheckPermission(principal, "tokens.all:view") {
		WriteError(w, http.StatusForbidden, "Permission denied")
		return
	}

	tokens, err := h.auth.ListTokens(userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list tokens")
		WriteError(w, http.StatusInternalServerError, "Failed to list tokens")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// CreateHandler handles POST /api/tokens. Minting for another user
// requires tokens.all:create.
func (h *TokenHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req createTokenRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "Token name is required")
		return
	}

	principal := PrincipalFrom(r)
	userID := req.UserID
	if userID == "" {
		userID = principal.UserID
	}
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "No user to bind the token to")
		return
	}
	if userID != principal.UserID && !h.auth.CheckPermission(principal, "tokens.all:create") {
		WriteError(w, http.StatusForbidden, "Permission denied")
		return
	}

	raw, token, err := h.auth.CreateToken(userID, req.Name, req.ExpiresAt)
	if err != nil {
		h.audits.Append(models.NewAuditEntry(principal.Username, "token.create", "tokens", err.Error(), false))
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "User not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "token.create", "tokens/"+token.ID, req.Name, true))

	// The raw value is not stored; this response is the only place it exists.
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"token":  raw,
		"record": token,
	})
}

// DeleteHandler handles DELETE /api/tokens/{id}. Owners may revoke their
// own tokens; revoking another user's requires tokens.all:delete.
func (h *TokenHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	id := PathSegment(r.URL.Path, "/api/tokens/", 0)
	token, err := h.auth.GetToken(id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Token not found")
		return
	}

	principal := PrincipalFrom(r)
	if token.UserID != principal.UserID && !h.auth.CheckPermission(principal, "tokens.all:delete") {
		WriteError(w, http.StatusForbidden, "Permission denied")
		return
	}

	if err := h.auth.RevokeToken(id); err != nil {
		h.logger.Error().Err(err).Str("token_id", id).Msg("Failed to revoke token")
		WriteError(w, http.StatusInternalServerError, "Failed to revoke token")
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "token.revoke", "tokens/"+id, "", true))
	WriteSuccess(w, "Token revoked")
}
