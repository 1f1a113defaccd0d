package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/auth"
)

// UserHandler serves user account CRUD
type UserHandler struct {
	auth   *auth.Service
	audits interfaces.AuditStorage
	logger arbor.ILogger
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(authService *auth.Service, audits interfaces.AuditStorage, logger arbor.ILogger) *UserHandler {
	return &UserHandler{
		auth:   authService,
		audits: audits,
		logger: logger,
	}
}

type createUserRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
	Email    string   `json:"email,omitempty"`
}

type updateUserRequest struct {
	Password *string  `json:"password,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Email    *string  `json:"email,omitempty"`
}

// ListHandler handles GET /api/users
func (h *UserHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	users, err := h.auth.ListUsers()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list users")
		WriteError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

// GetHandler handles GET /api/users/{id}
func (h *UserHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := PathSegment(r.URL.Path, "/api/users/", 0)
	user, err := h.auth.GetUser(id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "User not found")
		return
	}

	WriteJSON(w, http.StatusOK, user)
}

// CreateHandler handles POST /api/users
func (h *UserHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req createUserRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	principal := PrincipalFrom(r)
	user, err := h.auth.CreateUser(req.Username, req.Password, req.Roles, req.Email)
	if err != nil {
		h.audits.Append(models.NewAuditEntry(principal.Username, "user.create", "users/"+req.Username, err.Error(), false))
		if errors.Is(err, auth.ErrUsernameTaken) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "user.create", "users/"+user.ID, user.Username, true))
	WriteJSON(w, http.StatusCreated, user)
}

// UpdateHandler handles PUT /api/users/{id}
func (h *UserHandler) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	id := PathSegment(r.URL.Path, "/api/users/", 0)
	var req updateUserRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	principal := PrincipalFrom(r)
	user, err := h.auth.UpdateUser(id, &auth.UserPatch{
		Password: req.Password,
		Roles:    req.Roles,
		Enabled:  req.Enabled,
		Email:    req.Email,
	})
	if err != nil {
		h.audits.Append(models.NewAuditEntry(principal.Username, "user.update", "users/"+id, err.Error(), false))
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "User not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "user.update", "users/"+id, user.Username, true))
	WriteJSON(w, http.StatusOK, user)
}

// DeleteHandler handles DELETE /api/users/{id}. Accounts cannot delete
// themselves; demote first from another admin session.
func (h *UserHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	id := PathSegment(r.URL.Path, "/api/users/", 0)
	principal := PrincipalFrom(r)
	if principal.UserID == id {
		WriteError(w, http.StatusConflict, "Cannot delete your own account")
		return
	}

	if err := h.auth.DeleteUser(id); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error().Err(err).Str("user_id", id).Msg("Failed to delete user")
		WriteError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "user.delete", "users/"+id, "", true))
	WriteSuccess(w, "User deleted")
}
