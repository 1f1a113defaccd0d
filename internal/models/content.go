package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FileInfo describes one file in the content bundle manifest
type FileInfo struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest maps bundle-relative paths to their size and content hash
type Manifest map[string]FileInfo

// RevisionInfo is the wire shape of the current content revision
type RevisionInfo struct {
	Revision      string `json:"revision"`
	ShortRevision string `json:"short_revision"`
}

// ShortRevision truncates a revision hash to its display form
func ShortRevision(revision string) string {
	if len(revision) >= 8 {
		return revision[:8]
	}
	return revision
}

// BundleDirs is the fixed set of directories making up the content bundle
var BundleDirs = []string{"playbooks", "inventory", "library", "callback_plugins"}

// BundleFiles is the fixed set of top-level bundle files
var BundleFiles = []string{"ansible.cfg"}

// scanHashLimit bounds concurrent file hashing during a bundle scan
const scanHashLimit = 8

// ScanBundle walks the bundle layout under dir and builds the manifest.
// Primary and workers both scan with this so their revisions agree.
func ScanBundle(dir string) (Manifest, error) {
	type bundleFile struct {
		rel  string
		full string
	}
	var files []bundleFile

	for _, sub := range BundleDirs {
		root := filepath.Join(dir, sub)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, bundleFile{rel: filepath.ToSlash(rel), full: path})
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to scan %s: %w", sub, err)
		}
	}

	for _, name := range BundleFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		files = append(files, bundleFile{rel: name, full: path})
	}

	manifest := make(Manifest, len(files))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(scanHashLimit)
	for _, file := range files {
		file := file
		g.Go(func() error {
			info, err := hashBundleFile(file.rel, file.full)
			if err != nil {
				return err
			}
			mu.Lock()
			manifest[file.rel] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return manifest, nil
}

func hashBundleFile(rel, full string) (FileInfo, error) {
	f, err := os.Open(full)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to hash %s: %w", rel, err)
	}

	return FileInfo{
		Size:   size,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// ComputeRevision hashes the sorted manifest entries, so the revision
// depends only on file paths and contents, never on timestamps.
func ComputeRevision(manifest Manifest) string {
	paths := make([]string, 0, len(manifest))
	for path := range manifest {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		fmt.Fprintf(h, "%s\x00%s\n", path, manifest[path].SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}
