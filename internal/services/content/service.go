package content

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// Service holds the authoritative content bundle: the fixed playbook,
// inventory, library and callback_plugins directories plus top-level
// configuration files. The revision is a hash over the manifest, so two
// bundles with identical file contents always share a revision.
type Service struct {
	dir    string
	events interfaces.EventService
	logger arbor.ILogger

	mu       sync.RWMutex
	revision string
	manifest models.Manifest
}

// NewService scans the bundle directory and computes the initial revision
func NewService(cfg *common.ContentConfig, events interfaces.EventService, logger arbor.ILogger) (*Service, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve content dir: %w", err)
	}

	for _, sub := range models.BundleDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bundle directory %s: %w", sub, err)
		}
	}

	s := &Service{
		dir:    dir,
		events: events,
		logger: logger,
	}

	if err := s.rescan(); err != nil {
		return nil, err
	}

	logger.Info().
		Str("dir", dir).
		Str("revision", models.ShortRevision(s.revision)).
		Int("files", len(s.manifest)).
		Msg("Content store ready")

	return s, nil
}

// CurrentRevision returns the content-addressed revision string
func (s *Service) CurrentRevision() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, nil
}

// Manifest returns a copy of the current path map
func (s *Service) Manifest() (models.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	manifest := make(models.Manifest, len(s.manifest))
	for path, info := range s.manifest {
		manifest[path] = info
	}
	return manifest, nil
}

// WriteArchive streams a tar.gz of the bundle to w
func (s *Service) WriteArchive(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	paths := make([]string, 0, len(s.manifest))
	for path := range s.manifest {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := s.addToArchive(tw, path); err != nil {
			return fmt.Errorf("failed to archive %s: %w", path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return gz.Close()
}

func (s *Service) addToArchive(tw *tar.Writer, relPath string) error {
	full := filepath.Join(s.dir, filepath.FromSlash(relPath))

	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = relPath

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Open returns a single bundle file stream. Absolute paths and any path
// with a .. segment are rejected before touching the filesystem.
func (s *Service) Open(path string) (io.ReadCloser, int64, error) {
	rel, err := sanitizeBundlePath(path)
	if err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	info, ok := s.manifest[rel]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", interfaces.ErrNotFound, rel)
	}

	f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(rel)))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open bundle file: %w", err)
	}
	return f, info.Size, nil
}

// Commit applies changes inside the bundle directory under the write
// lock, rescans, and emits revision_changed when the revision moved.
func (s *Service) Commit(apply func(dir string) error) (string, error) {
	s.mu.Lock()
	previous := s.revision

	if err := apply(s.dir); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("commit failed: %w", err)
	}

	if err := s.rescanLocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	revision := s.revision
	s.mu.Unlock()

	if revision != previous {
		s.logger.Info().
			Str("revision", models.ShortRevision(revision)).
			Str("previous", models.ShortRevision(previous)).
			Msg("Content revision changed")

		if s.events != nil {
			payload := models.RevisionInfo{
				Revision:      revision,
				ShortRevision: models.ShortRevision(revision),
			}
			if err := s.events.Publish(context.Background(), interfaces.Event{
				Type:    interfaces.EventRevisionChanged,
				Payload: payload,
			}); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to publish revision change")
			}
		}
	}

	return revision, nil
}

// rescan rebuilds the manifest and revision under the write lock
func (s *Service) rescan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescanLocked()
}

func (s *Service) rescanLocked() error {
	manifest, err := models.ScanBundle(s.dir)
	if err != nil {
		return err
	}
	s.manifest = manifest
	s.revision = models.ComputeRevision(manifest)
	return nil
}

// sanitizeBundlePath normalizes a request path and rejects escapes
func sanitizeBundlePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "\\") {
		return "", fmt.Errorf("invalid path: %s", path)
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "", fmt.Errorf("path escapes bundle: %s", path)
	}
	return clean, nil
}
