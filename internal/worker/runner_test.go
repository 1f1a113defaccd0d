package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/playbook"
)

func TestLogStreamFlushPolicy(t *testing.T) {
	stream := newLogStream(nil, "job", nil, arbor.NewLogger())
	stream.lastFlush = time.Now()

	for i := 0; i < playbook.FlushLines-1; i++ {
		assert.False(t, stream.Write("line\n"))
	}
	assert.True(t, stream.Write("line\n"))
}

func TestLogStreamFlushOnAge(t *testing.T) {
	stream := newLogStream(nil, "job", nil, arbor.NewLogger())
	stream.lastFlush = time.Now().Add(-playbook.FlushAge - time.Second)

	assert.True(t, stream.Write("one line\n"))
}

// fakeJobServer records the job lifecycle calls a runner makes
type fakeJobServer struct {
	mu       sync.Mutex
	started  *models.StartJobRequest
	chunks   []models.LogStreamRequest
	complete *models.CompleteRequest
}

func (f *fakeJobServer) start(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case strings.HasSuffix(r.URL.Path, "/start"):
			var req models.StartJobRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.started = &req
		case strings.HasSuffix(r.URL.Path, "/log/stream"):
			var req models.LogStreamRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.chunks = append(f.chunks, req)
		case strings.HasSuffix(r.URL.Path, "/complete"):
			var req models.CompleteRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.complete = &req
			json.NewEncoder(w).Encode(models.CompleteResponse{Status: "ok", LogStored: true})
			return
		}
		w.Write([]byte(`{"status":"success"}`))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestRunnerReportsCompletion(t *testing.T) {
	server := &fakeJobServer{}
	ts := server.start(t)

	cfg := validConfig()
	cfg.ServerURL = ts.URL
	cfg.ContentDir = t.TempDir()
	cfg.LogsDir = t.TempDir()

	client, err := NewClient(cfg, arbor.NewLogger())
	require.NoError(t, err)
	client.SetWorkerID("worker-uuid-1234")

	require.NoError(t, ensureLayout(cfg.ContentDir))
	playbookPath := filepath.Join(cfg.ContentDir, "playbooks", "hello.yml")
	require.NoError(t, os.WriteFile(playbookPath, []byte("- hosts: all\n  tasks: []\n"), 0o644))

	run, err := newRunner(cfg, client, cfg.ContentDir, arbor.NewLogger())
	require.NoError(t, err)

	job := &models.Job{ID: "abcdef12-0000", Playbook: "hello", Status: models.JobStatusAssigned}
	run.Run(context.Background(), job, nil)

	server.mu.Lock()
	defer server.mu.Unlock()

	require.NotNil(t, server.started)
	assert.Equal(t, "worker-uuid-1234", server.started.WorkerID)
	assert.Regexp(t, `^hello_abcdef12_\d{8}-\d{6}\.log$`, server.started.LogFile)

	require.NotEmpty(t, server.chunks)
	assert.False(t, server.chunks[0].Append)
	assert.True(t, strings.HasPrefix(server.chunks[0].Content, "Worker: "+cfg.Name))

	require.NotNil(t, server.complete)
	assert.Equal(t, "worker-uuid-1234", server.complete.WorkerID)
	assert.Equal(t, server.started.LogFile, server.complete.LogFile)
	assert.Contains(t, server.complete.LogContent, "Worker: "+cfg.Name)
	assert.Contains(t, server.complete.LogContent, "Exit code:")
	assert.Greater(t, server.complete.DurationSeconds, 0.0)

	// The local partial is renamed to the final name
	assert.FileExists(t, filepath.Join(cfg.LogsDir, server.started.LogFile))
	assert.NoFileExists(t, filepath.Join(cfg.LogsDir, "partial-"+job.ID+".log"))
}
