package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/auth"
)

// AuthHandler serves login, logout and the session probe
type AuthHandler struct {
	auth   interfaces.AuthService
	cfg    *common.AuthConfig
	audits interfaces.AuditStorage
	logger arbor.ILogger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(authService interfaces.AuthService, cfg *common.AuthConfig, audits interfaces.AuditStorage, logger arbor.ILogger) *AuthHandler {
	return &AuthHandler{
		auth:   authService,
		cfg:    cfg,
		audits: audits,
		logger: logger,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginHandler handles POST /api/auth/login. Successful logins set the
// session cookie; failures count toward the account's lockout window.
func (h *AuthHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req loginRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		WriteError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAccountLocked):
			h.audits.Append(models.NewAuditEntry(req.Username, "auth.login", "auth", "account locked", false))
			WriteError(w, http.StatusLocked, err.Error())
		case errors.Is(err, auth.ErrAccountDisabled):
			h.audits.Append(models.NewAuditEntry(req.Username, "auth.login", "auth", "account disabled", false))
			WriteError(w, http.StatusForbidden, err.Error())
		default:
			h.audits.Append(models.NewAuditEntry(req.Username, "auth.login", "auth", "invalid credentials", false))
			WriteError(w, http.StatusUnauthorized, "Invalid username or password")
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTLDuration().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	h.audits.Append(models.NewAuditEntry(req.Username, "auth.login", "auth", "", true))
	h.logger.Info().Str("username", req.Username).Msg("User logged in")

	WriteJSON(w, http.StatusOK, map[string]string{
		"token":    token,
		"username": req.Username,
	})
}

// LogoutHandler handles POST /api/auth/logout
func (h *AuthHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	if cookie, err := r.Cookie(auth.SessionCookieName); err == nil && cookie.Value != "" {
		h.auth.Logout(cookie.Value)
	}

	// Expire the cookie regardless of whether a session existed
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	WriteSuccess(w, "Logged out")
}

// SessionHandler handles GET /api/auth/session. The route is public so
// the UI can probe before showing a login form.
func (h *AuthHandler) SessionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	principal := PrincipalFrom(r)
	if principal.IsAnonymous() {
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated": false,
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"username":      principal.Username,
		"roles":         principal.Roles,
		"permissions":   h.auth.EffectivePermissions(principal),
	})
}
