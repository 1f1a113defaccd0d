package worker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// fakeContentServer serves the sync API for a fixed set of bundle files
type fakeContentServer struct {
	files map[string]string

	archiveHits atomic.Int32
	fileErrors  map[string]bool
}

func (f *fakeContentServer) manifest() models.Manifest {
	manifest := make(models.Manifest)
	for path, content := range f.files {
		sum := sha256.Sum256([]byte(content))
		manifest[path] = models.FileInfo{
			Size:   int64(len(content)),
			SHA256: hex.EncodeToString(sum[:]),
		}
	}
	return manifest
}

func (f *fakeContentServer) revision() string {
	return models.ComputeRevision(f.manifest())
}

func (f *fakeContentServer) archive() []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for path, content := range f.files {
		tw.WriteHeader(&tar.Header{
			Name:     path,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		})
		tw.Write([]byte(content))
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func (f *fakeContentServer) start(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync/revision", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.RevisionInfo{
			Revision:      f.revision(),
			ShortRevision: models.ShortRevision(f.revision()),
		})
	})
	mux.HandleFunc("/api/sync/manifest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"revision": f.revision(),
			"files":    f.manifest(),
		})
	})
	mux.HandleFunc("/api/sync/archive", func(w http.ResponseWriter, r *http.Request) {
		f.archiveHits.Add(1)
		w.Write(f.archive())
	})
	mux.HandleFunc("/api/sync/file/", func(w http.ResponseWriter, r *http.Request) {
		rel := r.URL.Path[len("/api/sync/file/"):]
		if f.fileErrors[rel] {
			http.Error(w, `{"status":"error","error":"boom"}`, http.StatusInternalServerError)
			return
		}
		content, ok := f.files[rel]
		if !ok {
			http.Error(w, `{"status":"error","error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(content))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestSyncer(t *testing.T, serverURL string) *Syncer {
	t.Helper()

	cfg := validConfig()
	cfg.ServerURL = serverURL
	cfg.ContentDir = t.TempDir()

	client, err := NewClient(cfg, arbor.NewLogger())
	require.NoError(t, err)

	syncer, err := NewSyncer(cfg, client, arbor.NewLogger())
	require.NoError(t, err)
	return syncer
}

func TestSafeJoinRejectsEscapes(t *testing.T) {
	dest := t.TempDir()

	for _, name := range []string{
		"../evil.txt",
		"/etc/passwd",
		"playbooks/../../evil.txt",
		"a\\b.txt",
		"..",
		"",
	} {
		_, err := safeJoin(dest, name)
		assert.Error(t, err, "expected %q to be rejected", name)
	}

	target, err := safeJoin(dest, "playbooks/site.yml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "playbooks", "site.yml"), target)
}

func TestCheckSymlinkTarget(t *testing.T) {
	dest := t.TempDir()
	link := filepath.Join(dest, "playbooks", "link.yml")

	assert.Error(t, checkSymlinkTarget(dest, link, "/etc/passwd"))
	assert.Error(t, checkSymlinkTarget(dest, link, "../../outside.yml"))
	assert.NoError(t, checkSymlinkTarget(dest, link, "site.yml"))
	assert.NoError(t, checkSymlinkTarget(dest, link, "../inventory/hosts"))
}

func TestExtractBundleRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../evil.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(content)),
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	archive := filepath.Join(t.TempDir(), "bundle.tar.gz")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	dest := t.TempDir()
	err = extractBundle(archive, dest)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil.txt"))
}

func TestFullSyncDownloadsBundle(t *testing.T) {
	server := &fakeContentServer{files: map[string]string{
		"playbooks/site.yml": "- hosts: all\n",
		"inventory/hosts":    "[all]\nweb01\n",
		"ansible.cfg":        "[defaults]\n",
	}}
	ts := server.start(t)
	syncer := newTestSyncer(t, ts.URL)

	require.NoError(t, syncer.FullSync(context.Background()))

	assert.Equal(t, server.revision(), syncer.Revision())
	data, err := os.ReadFile(filepath.Join(syncer.Dir(), "playbooks", "site.yml"))
	require.NoError(t, err)
	assert.Equal(t, "- hosts: all\n", string(data))

	for _, sub := range models.BundleDirs {
		assert.DirExists(t, filepath.Join(syncer.Dir(), sub))
	}
}

func TestFullSyncRestoresOnFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sync/revision", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.RevisionInfo{Revision: "deadbeef"})
	})
	mux.HandleFunc("/api/sync/archive", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a gzip stream"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	syncer := newTestSyncer(t, ts.URL)
	existing := filepath.Join(syncer.Dir(), "playbooks", "keep.yml")
	require.NoError(t, os.WriteFile(existing, []byte("- hosts: db\n"), 0o644))

	require.Error(t, syncer.FullSync(context.Background()))

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "- hosts: db\n", string(data))
	assert.Empty(t, syncer.Revision())
}

func TestIncrementalSync(t *testing.T) {
	server := &fakeContentServer{files: map[string]string{
		"playbooks/site.yml":   "- hosts: all\n",
		"playbooks/deploy.yml": "- hosts: web\n",
	}}
	ts := server.start(t)
	syncer := newTestSyncer(t, ts.URL)

	// Local state: one stale file, one file the server no longer has
	require.NoError(t, os.WriteFile(filepath.Join(syncer.Dir(), "playbooks", "site.yml"), []byte("old\n"), 0o644))
	removed := filepath.Join(syncer.Dir(), "playbooks", "obsolete.yml")
	require.NoError(t, os.WriteFile(removed, []byte("gone\n"), 0o644))
	syncer.revision = "stale"

	require.NoError(t, syncer.incrementalSync(context.Background()))

	assert.Equal(t, server.revision(), syncer.Revision())
	data, err := os.ReadFile(filepath.Join(syncer.Dir(), "playbooks", "site.yml"))
	require.NoError(t, err)
	assert.Equal(t, "- hosts: all\n", string(data))
	assert.FileExists(t, filepath.Join(syncer.Dir(), "playbooks", "deploy.yml"))
	assert.NoFileExists(t, removed)
}

func TestIncrementalFailureFallsBackToFull(t *testing.T) {
	server := &fakeContentServer{
		files:      map[string]string{"playbooks/site.yml": "- hosts: all\n"},
		fileErrors: map[string]bool{"playbooks/site.yml": true},
	}
	ts := server.start(t)
	syncer := newTestSyncer(t, ts.URL)
	syncer.revision = "stale"

	// Incremental round fails on the per-file error
	require.Error(t, syncer.Sync(context.Background()))
	assert.True(t, syncer.forceFull)
	assert.Equal(t, int32(0), server.archiveHits.Load())

	// Next round goes straight to the archive
	require.NoError(t, syncer.Sync(context.Background()))
	assert.Equal(t, int32(1), server.archiveHits.Load())
	assert.Equal(t, server.revision(), syncer.Revision())
	assert.False(t, syncer.forceFull)
}

func TestSyncNoopWhenRevisionMatches(t *testing.T) {
	server := &fakeContentServer{files: map[string]string{
		"playbooks/site.yml": "- hosts: all\n",
	}}
	ts := server.start(t)
	syncer := newTestSyncer(t, ts.URL)

	require.NoError(t, syncer.FullSync(context.Background()))

	needed, serverRev, err := syncer.CheckNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, needed)
	assert.Equal(t, syncer.Revision(), serverRev)
}
