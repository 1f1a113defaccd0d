package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// maxBundleUpload caps a content commit at 256 MiB
const maxBundleUpload = 256 << 20

// SyncHandler serves the content bundle: revision probe, manifest,
// archive and single-file downloads for workers, commits for editors.
type SyncHandler struct {
	content interfaces.ContentService
	audits  interfaces.AuditStorage
	logger  arbor.ILogger
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(contentService interfaces.ContentService, audits interfaces.AuditStorage, logger arbor.ILogger) *SyncHandler {
	return &SyncHandler{
		content: contentService,
		audits:  audits,
		logger:  logger,
	}
}

// RevisionHandler handles GET /api/sync/revision
func (h *SyncHandler) RevisionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	revision, err := h.content.CurrentRevision()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read content revision")
		WriteError(w, http.StatusInternalServerError, "Failed to read revision")
		return
	}

	WriteJSON(w, http.StatusOK, &models.RevisionInfo{
		Revision:      revision,
		ShortRevision: models.ShortRevision(revision),
	})
}

// ManifestHandler handles GET /api/sync/manifest
func (h *SyncHandler) ManifestHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	revision, err := h.content.CurrentRevision()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read content revision")
		WriteError(w, http.StatusInternalServerError, "Failed to read revision")
		return
	}
	manifest, err := h.content.Manifest()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to build manifest")
		WriteError(w, http.StatusInternalServerError, "Failed to build manifest")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"revision": revision,
		"files":    manifest,
	})
}

// ArchiveHandler handles GET /api/sync/archive, streaming the bundle as
// a tar.gz download.
func (h *SyncHandler) ArchiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	revision, err := h.content.CurrentRevision()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read content revision")
		WriteError(w, http.StatusInternalServerError, "Failed to read revision")
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="bundle-%s.tar.gz"`, models.ShortRevision(revision)))
	w.Header().Set("X-Content-Revision", revision)

	if err := h.content.WriteArchive(w); err != nil {
		// Headers are already out; nothing to do but log.
		h.logger.Error().Err(err).Msg("Archive stream aborted")
	}
}

// FileHandler handles GET /api/sync/file/{path}. Escaping paths are
// rejected before the store is consulted.
func (h *SyncHandler) FileHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/api/sync/file/")
	if rel == "" || rel == r.URL.Path {
		WriteError(w, http.StatusBadRequest, "File path is required")
		return
	}

	f, size, err := h.content.Open(rel)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "File not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warn().Err(err).Str("path", rel).Msg("File stream aborted")
	}
}

// CommitHandler handles POST /api/sync/commit. The multipart form carries
// bundle files (part filename = bundle-relative path) and optional
// "delete" fields naming paths to remove. The revision moves atomically.
func (h *SyncHandler) CommitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	if err := r.ParseMultipartForm(maxBundleUpload); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	principal := PrincipalFrom(r)
	files := r.MultipartForm.File["files"]
	deletes := r.MultipartForm.Value["delete"]
	if len(files) == 0 && len(deletes) == 0 {
		WriteError(w, http.StatusBadRequest, "Nothing to commit")
		return
	}

	revision, err := h.content.Commit(func(dir string) error {
		for _, fh := range files {
			if err := writeBundleFile(dir, fh); err != nil {
				return err
			}
		}
		for _, rel := range deletes {
			clean, err := cleanBundlePath(rel)
			if err != nil {
				return err
			}
			if err := os.Remove(filepath.Join(dir, filepath.FromSlash(clean))); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.audits.Append(models.NewAuditEntry(principal.Username, "content.commit", "sync", err.Error(), false))
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.audits.Append(models.NewAuditEntry(principal.Username, "content.commit", "sync",
		fmt.Sprintf("%d files, %d deletions, revision %s", len(files), len(deletes), models.ShortRevision(revision)), true))

	WriteJSON(w, http.StatusOK, &models.RevisionInfo{
		Revision:      revision,
		ShortRevision: models.ShortRevision(revision),
	})
}

// writeBundleFile copies one uploaded part into the bundle directory
func writeBundleFile(dir string, fh *multipart.FileHeader) error {
	clean, err := cleanBundlePath(fh.Filename)
	if err != nil {
		return err
	}

	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dst := filepath.Join(dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create bundle dir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to write bundle file %s: %w", clean, err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to write bundle file %s: %w", clean, err)
	}
	return out.Close()
}

// cleanBundlePath rejects uploads whose path would escape the bundle
func cleanBundlePath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty bundle path")
	}
	if strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return "", fmt.Errorf("invalid bundle path: %s", rel)
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "", fmt.Errorf("bundle path escapes bundle: %s", rel)
	}
	return clean, nil
}
