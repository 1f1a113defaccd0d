package server

import (
	"net/http"
	"strings"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/metrics"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Authentication
	mux.HandleFunc("/api/auth/login", s.app.AuthHandler.LoginHandler)
	mux.HandleFunc("/api/auth/logout", s.app.AuthHandler.LogoutHandler)
	mux.HandleFunc("/api/auth/session", s.app.AuthHandler.SessionHandler)

	// Workers: registration and the sync notification socket bind exact
	// paths, everything else goes through the sub-router
	mux.HandleFunc("/api/workers/register", s.app.WorkerHandler.RegisterHandler)
	mux.HandleFunc("/api/workers/notify", s.app.WSHandler.HandleWorker)
	mux.HandleFunc("/api/workers", s.app.WorkerHandler.ListHandler)
	mux.HandleFunc("/api/workers/", s.handleWorkerRoutes) // {id}, {id}/checkin, {id}/jobs

	// Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (list), POST (submit)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // {id} and subpaths

	// Content bundle
	mux.HandleFunc("/api/sync/revision", s.app.SyncHandler.RevisionHandler)
	mux.HandleFunc("/api/sync/manifest", s.app.SyncHandler.ManifestHandler)
	mux.HandleFunc("/api/sync/archive", s.app.SyncHandler.ArchiveHandler)
	mux.HandleFunc("/api/sync/file/", s.app.SyncHandler.FileHandler)
	mux.HandleFunc("/api/sync/commit", s.app.SyncHandler.CommitHandler)

	// Accounts and access control
	mux.HandleFunc("/api/roles", s.handleRolesRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/roles/", s.handleRoleRoutes) // GET/PUT/DELETE /{id}
	mux.HandleFunc("/api/users", s.handleUsersRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/users/", s.handleUserRoutes) // GET/PUT/DELETE /{id}
	mux.HandleFunc("/api/tokens", s.handleTokensRoute)
	mux.HandleFunc("/api/tokens/", s.app.TokenHandler.DeleteHandler)
	mux.HandleFunc("/api/audit", s.app.AuditHandler.ListHandler)

	// UI WebSocket
	mux.HandleFunc("/ws", s.app.WSHandler.HandleUI)

	// Observability
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.Handle("/metrics", metrics.Handler())

	// Catch-all for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleWorkerRoutes dispatches /api/workers/{id} and its subpaths
func (s *Server) handleWorkerRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// POST /api/workers/{id}/checkin
	if r.Method == "POST" && strings.HasSuffix(path, "/checkin") {
		s.app.WorkerHandler.CheckinHandler(w, r)
		return
	}

	// GET /api/workers/{id}/jobs
	if r.Method == "GET" && strings.HasSuffix(path, "/jobs") {
		s.app.WorkerHandler.PollJobsHandler(w, r)
		return
	}

	// GET/DELETE /api/workers/{id}
	RouteResourceItem(w, r, s.app.WorkerHandler.GetHandler, nil, s.app.WorkerHandler.DeleteHandler)
}

// handleJobsRoute dispatches the /api/jobs collection
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListHandler, s.app.JobHandler.SubmitHandler)
}

// handleJobRoutes dispatches /api/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" {
		// POST /api/jobs/{id}/start
		if strings.HasSuffix(path, "/start") {
			s.app.JobHandler.StartHandler(w, r)
			return
		}
		// POST /api/jobs/{id}/log/stream
		if strings.HasSuffix(path, "/log/stream") {
			s.app.JobHandler.StreamLogHandler(w, r)
			return
		}
		// POST /api/jobs/{id}/complete
		if strings.HasSuffix(path, "/complete") {
			s.app.JobHandler.CompleteHandler(w, r)
			return
		}
		// POST /api/jobs/{id}/cancel
		if strings.HasSuffix(path, "/cancel") {
			s.app.JobHandler.CancelHandler(w, r)
			return
		}
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if r.Method == "GET" {
		// GET /api/jobs/{id}/log
		if strings.HasSuffix(path, "/log") {
			s.app.JobHandler.LogHandler(w, r)
			return
		}
		// GET /api/jobs/{id}
		s.app.JobHandler.GetHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleRolesRoute dispatches the /api/roles collection
func (s *Server) handleRolesRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.RoleHandler.ListHandler, s.app.RoleHandler.CreateHandler)
}

// handleRoleRoutes dispatches /api/roles/{id}
func (s *Server) handleRoleRoutes(w http.ResponseWriter, r *http.Request) {
	RouteResourceItem(w, r, s.app.RoleHandler.GetHandler, s.app.RoleHandler.UpdateHandler, s.app.RoleHandler.DeleteHandler)
}

// handleUsersRoute dispatches the /api/users collection
func (s *Server) handleUsersRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.UserHandler.ListHandler, s.app.UserHandler.CreateHandler)
}

// handleUserRoutes dispatches /api/users/{id}
func (s *Server) handleUserRoutes(w http.ResponseWriter, r *http.Request) {
	RouteResourceItem(w, r, s.app.UserHandler.GetHandler, s.app.UserHandler.UpdateHandler, s.app.UserHandler.DeleteHandler)
}

// handleTokensRoute dispatches the /api/tokens collection
func (s *Server) handleTokensRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.TokenHandler.ListHandler, s.app.TokenHandler.CreateHandler)
}
