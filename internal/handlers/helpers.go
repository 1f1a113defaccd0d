package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// DecodeJSON parses the request body into dst.
// Returns true on success, false otherwise (and writes a 400 response).
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// PathSegment returns the nth segment of the path after the given prefix.
// PathSegment("/api/jobs/123/cancel", "/api/jobs/", 0) returns "123".
// Returns "" when the prefix does not match or the segment is absent.
func PathSegment(path, prefix string, n int) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.Trim(path[len(prefix):], "/")
	if rest == "" {
		return ""
	}
	parts := strings.Split(rest, "/")
	if n >= len(parts) {
		return ""
	}
	return parts[n]
}

// QueryInt parses an integer query parameter, falling back to def when
// the parameter is absent or malformed.
func QueryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// principalKey carries the resolved principal through the request context
type principalKey struct{}

// WithPrincipal attaches the guard's resolved principal to the request
func WithPrincipal(r *http.Request, p *interfaces.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
}

// PrincipalFrom returns the principal the guard resolved for this request.
// Requests that bypassed the guard resolve as anonymous.
func PrincipalFrom(r *http.Request) *interfaces.Principal {
	if p, ok := r.Context().Value(principalKey{}).(*interfaces.Principal); ok && p != nil {
		return p
	}
	return &interfaces.Principal{Kind: interfaces.PrincipalAnonymous}
}
