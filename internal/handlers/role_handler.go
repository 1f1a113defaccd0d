package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/auth"
)

// RoleHandler serves role CRUD. Built-in roles are read-only.
type RoleHandler struct {
	auth   *auth.Service
	audits interfaces.AuditStorage
	logger arbor.ILogger
}

// NewRoleHandler creates a new RoleHandler
func NewRoleHandler(authService *auth.Service, audits interfaces.AuditStorage, logger arbor.ILogger) *RoleHandler {
	return &RoleHandler{
		auth:   authService,
		audits: audits,
		logger: logger,
	}
}

// ListHandler handles GET /api/roles
func (h *RoleHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	roles, err := h.auth.ListRoles()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list roles")
		WriteError(w, http.StatusInternalServerError, "Failed to list roles")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"roles": roles,
		"count": len(roles),
	})
}

// GetHandler handles GET /api/roles/{id}
func (h *RoleHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := PathSegment(r.URL.Path, "/api/roles/", 0)
	role, err := h.auth.GetRole(id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Role not found")
		return
	}

	WriteJSON(w, http.StatusOK, role)
}

// CreateHandler handles POST /api/roles
func (h *RoleHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var role models.Role
	if !DecodeJSON(w, r, &role) {
		return
	}

	principal := PrincipalFrom(r)
	if err := h.auth.CreateRole(&role); err != nil {
		h.writeRoleError(w, principal.Username, "role.create", role.ID, err)
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "role.create", "roles/"+role.ID, "", true))
	WriteJSON(w, http.StatusCreated, &role)
}

// UpdateHandler handles PUT /api/roles/{id}
func (h *RoleHandler) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	var role models.Role
	if !DecodeJSON(w, r, &role) {
		return
	}
	role.ID = PathSegment(r.URL.Path, "/api/roles/", 0)

	principal := PrincipalFrom(r)
	if err := h.auth.UpdateRole(&role); err != nil {
		h.writeRoleError(w, principal.Username, "role.update", role.ID, err)
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "role.update", "roles/"+role.ID, "", true))
	WriteJSON(w, http.StatusOK, &role)
}

// DeleteHandler handles DELETE /api/roles/{id}
func (h *RoleHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	id := PathSegment(r.URL.Path, "/api/roles/", 0)
	principal := PrincipalFrom(r)

	if err := h.auth.DeleteRole(id); err != nil {
		h.writeRoleError(w, principal.Username, "role.delete", id, err)
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "role.delete", "roles/"+id, "", true))
	WriteSuccess(w, "Role deleted")
}

// writeRoleError maps role service errors onto the API taxonomy
func (h *RoleHandler) writeRoleError(w http.ResponseWriter, username, action, roleID string, err error) {
	h.audits.Append(models.NewAuditEntry(username, action, "roles/"+roleID, err.Error(), false))
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Role not found")
	case errors.Is(err, auth.ErrBuiltinRole):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrRoleCycle), errors.Is(err, auth.ErrUnknownRole):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		WriteError(w, http.StatusBadRequest, err.Error())
	}
}
