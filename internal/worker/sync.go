package worker

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// Syncer mirrors the primary's content bundle into the worker's content
// directory. Runs are serial: the main loop is the only caller, and the
// notify socket merely raises a pending flag that the loop folds into a
// single follow-up round.
type Syncer struct {
	dir    string
	client *Client
	logger arbor.ILogger

	mu        sync.Mutex
	revision  string
	forceFull bool
}

// NewSyncer resolves the content directory and creates the bundle layout
func NewSyncer(cfg *Config, client *Client, logger arbor.ILogger) (*Syncer, error) {
	dir, err := filepath.Abs(cfg.ContentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve content dir: %w", err)
	}
	if err := ensureLayout(dir); err != nil {
		return nil, err
	}
	return &Syncer{
		dir:    dir,
		client: client,
		logger: logger,
	}, nil
}

func ensureLayout(dir string) error {
	for _, sub := range models.BundleDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create content directory %s: %w", sub, err)
		}
	}
	return nil
}

// Dir returns the absolute content directory
func (s *Syncer) Dir() string {
	return s.dir
}

// Revision returns the local content revision, empty before the first sync
func (s *Syncer) Revision() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// CheckNeeded compares the local revision against the primary's
func (s *Syncer) CheckNeeded(ctx context.Context) (bool, string, error) {
	info, err := s.client.Revision(ctx)
	if err != nil {
		return false, "", err
	}
	return info.Revision != s.Revision(), info.Revision, nil
}

// Sync brings the local bundle up to date. The first round and every round
// after an incremental failure run a full sync; otherwise incremental.
func (s *Syncer) Sync(ctx context.Context) error {
	s.mu.Lock()
	full := s.revision == "" || s.forceFull
	s.mu.Unlock()

	if full {
		if err := s.FullSync(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		s.forceFull = false
		s.mu.Unlock()
		return nil
	}

	if err := s.incrementalSync(ctx); err != nil {
		s.mu.Lock()
		s.forceFull = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// FullSync replaces the whole bundle from the primary's archive. The current
// content is moved aside first and restored if anything goes wrong.
func (s *Syncer) FullSync(ctx context.Context) error {
	info, err := s.client.Revision(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch revision: %w", err)
	}

	archive, err := os.CreateTemp("", "simpleweb-bundle-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create archive temp file: %w", err)
	}
	defer os.Remove(archive.Name())

	if err := s.client.DownloadArchive(ctx, archive); err != nil {
		archive.Close()
		return fmt.Errorf("failed to download archive: %w", err)
	}
	if err := archive.Close(); err != nil {
		return err
	}

	backup, err := s.backupBundle()
	if err != nil {
		return err
	}

	if err := s.replaceBundle(archive.Name()); err != nil {
		s.restoreBundle(backup)
		return err
	}

	manifest, err := models.ScanBundle(s.dir)
	if err != nil {
		s.restoreBundle(backup)
		return fmt.Errorf("failed to scan synced bundle: %w", err)
	}
	os.RemoveAll(backup)

	s.mu.Lock()
	s.revision = models.ComputeRevision(manifest)
	local := s.revision
	s.mu.Unlock()

	s.logger.Info().
		Str("revision", models.ShortRevision(local)).
		Int("files", len(manifest)).
		Msg("Full sync complete")

	if local != info.Revision {
		s.logger.Warn().
			Str("local", models.ShortRevision(local)).
			Str("server", models.ShortRevision(info.Revision)).
			Msg("Revision mismatch after full sync, will retry")
	}
	return nil
}

// backupBundle moves the current bundle entries into a sibling temp dir
func (s *Syncer) backupBundle() (string, error) {
	backup, err := os.MkdirTemp(filepath.Dir(s.dir), ".bundle-backup-*")
	if err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	for _, name := range bundleEntries() {
		src := filepath.Join(s.dir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(backup, name)); err != nil {
			s.restoreBundle(backup)
			return "", fmt.Errorf("failed to back up %s: %w", name, err)
		}
	}
	return backup, nil
}

// restoreBundle puts a backup taken by backupBundle back into place
func (s *Syncer) restoreBundle(backup string) {
	for _, name := range bundleEntries() {
		saved := filepath.Join(backup, name)
		if _, err := os.Stat(saved); err != nil {
			continue
		}
		target := filepath.Join(s.dir, name)
		os.RemoveAll(target)
		if err := os.Rename(saved, target); err != nil {
			s.logger.Error().Err(err).Str("entry", name).Msg("Failed to restore content backup")
		}
	}
	os.RemoveAll(backup)
}

func (s *Syncer) replaceBundle(archivePath string) error {
	for _, name := range bundleEntries() {
		os.RemoveAll(filepath.Join(s.dir, name))
	}
	if err := extractBundle(archivePath, s.dir); err != nil {
		return err
	}
	return ensureLayout(s.dir)
}

func bundleEntries() []string {
	return append(append([]string{}, models.BundleDirs...), models.BundleFiles...)
}

// incrementalSync fetches only the files whose hash differs from the
// primary's manifest and deletes files the primary no longer has. Per-file
// errors are collected so one bad file does not abort the round; any error
// makes the round fail so the caller falls back to a full sync.
func (s *Syncer) incrementalSync(ctx context.Context) error {
	serverRevision, serverManifest, err := s.client.Manifest(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}

	local, err := models.ScanBundle(s.dir)
	if err != nil {
		return fmt.Errorf("failed to scan local bundle: %w", err)
	}

	var synced, deleted, failed int

	for rel, info := range serverManifest {
		if have, ok := local[rel]; ok && have.SHA256 == info.SHA256 {
			continue
		}
		if err := s.fetchFile(ctx, rel); err != nil {
			s.logger.Warn().Err(err).Str("file", rel).Msg("Failed to sync file")
			failed++
			continue
		}
		synced++
	}

	for rel := range local {
		if _, ok := serverManifest[rel]; ok {
			continue
		}
		target, err := safeJoin(s.dir, rel)
		if err != nil {
			failed++
			continue
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", rel).Msg("Failed to delete removed file")
			failed++
			continue
		}
		deleted++
	}

	if failed > 0 {
		return fmt.Errorf("incremental sync finished with %d failed files", failed)
	}

	manifest, err := models.ScanBundle(s.dir)
	if err != nil {
		return fmt.Errorf("failed to rescan bundle: %w", err)
	}
	revision := models.ComputeRevision(manifest)

	s.mu.Lock()
	s.revision = revision
	s.mu.Unlock()

	s.logger.Info().
		Str("revision", models.ShortRevision(revision)).
		Int("synced", synced).
		Int("deleted", deleted).
		Msg("Incremental sync complete")

	if revision != serverRevision {
		return fmt.Errorf("revision mismatch after incremental sync: local %s, server %s",
			models.ShortRevision(revision), models.ShortRevision(serverRevision))
	}
	return nil
}

// fetchFile downloads one bundle file into a temp file and renames it over
// the target, so readers never observe a half-written file.
func (s *Syncer) fetchFile(ctx context.Context, rel string) error {
	target, err := safeJoin(s.dir, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".sync-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := s.client.DownloadFile(ctx, rel, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// extractBundle unpacks a tar.gz archive under dest. Members with absolute
// paths, any .. segment, or symlinks resolving outside dest are rejected and
// fail the whole extraction.
func extractBundle(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", header.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode&0o777))
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", header.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to write %s: %w", header.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkSymlinkTarget(dest, target, header.Linkname); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", header.Name, err)
			}
		default:
			return fmt.Errorf("unsupported archive entry type for %s", header.Name)
		}
	}
	return nil
}

// safeJoin joins a bundle-relative archive path onto dest, rejecting
// anything that would land outside dest.
func safeJoin(dest, name string) (string, error) {
	slashed := filepath.ToSlash(name)
	if slashed == "" || strings.HasPrefix(slashed, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}

	target := filepath.Join(dest, filepath.FromSlash(slashed))
	base := filepath.Clean(dest)
	if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes destination: %s", name)
	}
	return target, nil
}

// checkSymlinkTarget rejects symlink members whose target resolves outside
// the destination tree.
func checkSymlinkTarget(dest, linkPath, linkTarget string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("absolute symlink target in archive: %s", linkTarget)
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), linkTarget))
	base := filepath.Clean(dest)
	if resolved != base && !strings.HasPrefix(resolved, base+string(os.PathSeparator)) {
		return fmt.Errorf("symlink escapes destination: %s", linkTarget)
	}
	return nil
}
