package content

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/events"
)

func newTestStore(t *testing.T) (*Service, string) {
	t.Helper()

	dir := t.TempDir()
	writeBundleFile(t, dir, "playbooks/site.yml", "- hosts: all\n")
	writeBundleFile(t, dir, "inventory/hosts", "[all]\nweb01\n")
	writeBundleFile(t, dir, "ansible.cfg", "[defaults]\n")

	svc, err := NewService(&common.ContentConfig{Dir: dir}, events.NewService(arbor.NewLogger()), arbor.NewLogger())
	require.NoError(t, err)
	return svc, dir
}

func writeBundleFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestRevisionDependsOnContentOnly(t *testing.T) {
	svc, dir := newTestStore(t)

	first, err := svc.CurrentRevision()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Rewriting identical bytes must not move the revision
	_, err = svc.Commit(func(string) error {
		writeBundleFile(t, dir, "playbooks/site.yml", "- hosts: all\n")
		return nil
	})
	require.NoError(t, err)

	same, err := svc.CurrentRevision()
	require.NoError(t, err)
	assert.Equal(t, first, same)

	// Changing bytes must move it
	_, err = svc.Commit(func(string) error {
		writeBundleFile(t, dir, "playbooks/site.yml", "- hosts: web\n")
		return nil
	})
	require.NoError(t, err)

	changed, err := svc.CurrentRevision()
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestManifestShape(t *testing.T) {
	svc, _ := newTestStore(t)

	manifest, err := svc.Manifest()
	require.NoError(t, err)

	require.Contains(t, manifest, "playbooks/site.yml")
	require.Contains(t, manifest, "inventory/hosts")
	require.Contains(t, manifest, "ansible.cfg")

	info := manifest["playbooks/site.yml"]
	assert.Equal(t, int64(len("- hosts: all\n")), info.Size)
	assert.Len(t, info.SHA256, 64)
}

func TestCommitEmitsRevisionChanged(t *testing.T) {
	dir := t.TempDir()
	writeBundleFile(t, dir, "playbooks/site.yml", "- hosts: all\n")

	bus := events.NewService(arbor.NewLogger())
	svc, err := NewService(&common.ContentConfig{Dir: dir}, bus, arbor.NewLogger())
	require.NoError(t, err)

	var mu sync.Mutex
	var got []models.RevisionInfo
	err = bus.Subscribe(interfaces.EventRevisionChanged, func(_ context.Context, e interfaces.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Payload.(models.RevisionInfo))
		return nil
	})
	require.NoError(t, err)

	revision, err := svc.Commit(func(d string) error {
		writeBundleFile(t, d, "playbooks/deploy.yml", "- hosts: web\n")
		return nil
	})
	require.NoError(t, err)

	// Publish is asynchronous
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, revision, got[0].Revision)
	assert.Equal(t, models.ShortRevision(revision), got[0].ShortRevision)
	mu.Unlock()

	// A no-op commit stays quiet
	_, err = svc.Commit(func(string) error { return nil })
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestOpenRejectsEscapingPaths(t *testing.T) {
	svc, _ := newTestStore(t)

	for _, path := range []string{
		"../etc/passwd",
		"playbooks/../../etc/passwd",
		"/etc/passwd",
		"playbooks/..%2f..",
		"..",
		"",
	} {
		_, _, err := svc.Open(path)
		assert.Error(t, err, "path %q must be rejected", path)
	}

	rc, size, err := svc.Open("playbooks/site.yml")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "- hosts: all\n", string(data))
	assert.Equal(t, int64(len(data)), size)
}

func TestArchiveRoundTrip(t *testing.T) {
	svc, _ := newTestStore(t)

	var buf bytes.Buffer
	require.NoError(t, svc.WriteArchive(&buf))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	found := map[string]string{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		found[header.Name] = string(data)
	}

	assert.Equal(t, "- hosts: all\n", found["playbooks/site.yml"])
	assert.Equal(t, "[all]\nweb01\n", found["inventory/hosts"])
	assert.Equal(t, "[defaults]\n", found["ansible.cfg"])
}
