package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// fakePrimary implements the worker-facing API surface end to end
type fakePrimary struct {
	content *fakeContentServer

	mu         sync.Mutex
	registered *models.RegisterRequest
	checkins   []models.CheckinRequest
	assigned   []*models.Job
	completed  map[string]*models.CompleteRequest
}

func newFakePrimary(files map[string]string) *fakePrimary {
	return &fakePrimary{
		content:   &fakeContentServer{files: files},
		completed: make(map[string]*models.CompleteRequest),
	}
}

func (p *fakePrimary) start(t *testing.T) *httptest.Server {
	t.Helper()

	contentTS := p.content.start(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/workers/register", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		var req models.RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		p.registered = &req
		json.NewEncoder(w).Encode(models.RegisterResponse{WorkerID: "w-test", CheckinInterval: 1})
	})
	mux.HandleFunc("/api/workers/w-test/checkin", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		var req models.CheckinRequest
		json.NewDecoder(r.Body).Decode(&req)
		p.checkins = append(p.checkins, req)
		json.NewEncoder(w).Encode(models.CheckinResponse{
			NextCheckinSeconds: 1,
			CurrentRevision:    p.content.revision(),
		})
	})
	mux.HandleFunc("/api/workers/w-test/jobs", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		pending := make([]*models.Job, 0)
		for _, job := range p.assigned {
			if _, done := p.completed[job.ID]; !done {
				pending = append(pending, job)
			}
		}
		json.NewEncoder(w).Encode(models.JobListResponse{Jobs: pending})
	})
	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/complete"):
			var req models.CompleteRequest
			json.NewDecoder(r.Body).Decode(&req)
			parts := strings.Split(r.URL.Path, "/")
			p.completed[parts[3]] = &req
			json.NewEncoder(w).Encode(models.CompleteResponse{Status: "ok"})
		default:
			w.Write([]byte(`{"status":"success"}`))
		}
	})
	// Content sync endpoints proxy to the shared fake
	for _, path := range []string{"/api/sync/revision", "/api/sync/manifest", "/api/sync/archive"} {
		route := path
		mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
			resp, err := http.Get(contentTS.URL + route)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			defer resp.Body.Close()
			w.WriteHeader(resp.StatusCode)
			io.Copy(w, resp.Body)
		})
	}

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (p *fakePrimary) completedJob(id string) *models.CompleteRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed[id]
}

func (p *fakePrimary) lastCheckin() *models.CheckinRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.checkins) == 0 {
		return nil
	}
	last := p.checkins[len(p.checkins)-1]
	return &last
}

func TestWorkerLifecycle(t *testing.T) {
	primary := newFakePrimary(map[string]string{
		"playbooks/hello.yml": "- hosts: all\n  tasks: []\n",
		"inventory/hosts":     "[all]\n",
	})
	primary.assigned = []*models.Job{{
		ID:       "abcdef12-1111",
		Playbook: "hello",
		Status:   models.JobStatusAssigned,
	}}
	ts := primary.start(t)

	cfg := validConfig()
	cfg.ServerURL = ts.URL
	cfg.ContentDir = t.TempDir()
	cfg.LogsDir = t.TempDir()
	cfg.Tags = []string{"test"}
	cfg.CheckinInterval = "1s"
	cfg.PollInterval = "1s"
	cfg.SyncInterval = "2s"

	w, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return primary.completedJob("abcdef12-1111") != nil
	}, 60*time.Second, 100*time.Millisecond, "job never completed")

	// Registration carried our identity
	primary.mu.Lock()
	require.NotNil(t, primary.registered)
	assert.Equal(t, cfg.Name, primary.registered.Name)
	assert.Equal(t, []string{"test"}, primary.registered.Tags)
	assert.Equal(t, cfg.RegistrationToken, primary.registered.Token)
	primary.mu.Unlock()

	// Initial full sync converged on the primary's revision
	assert.Equal(t, primary.content.revision(), w.syncer.Revision())

	// The completion report is well formed and piggybacks a check-in
	complete := primary.completedJob("abcdef12-1111")
	assert.Equal(t, "w-test", complete.WorkerID)
	assert.Contains(t, complete.LogContent, "Worker: "+cfg.Name)
	assert.NotEmpty(t, complete.LogFile)
	require.NotNil(t, complete.Checkin)
	require.NotNil(t, complete.Checkin.SyncRevision)
	assert.Equal(t, primary.content.revision(), *complete.Checkin.SyncRevision)

	cancel()
	require.NoError(t, <-done)

	// Shutdown sent a final offline check-in
	last := primary.lastCheckin()
	require.NotNil(t, last)
	require.NotNil(t, last.Status)
	assert.Equal(t, string(models.WorkerStatusOffline), *last.Status)
	assert.Equal(t, StateStopping, w.State())
}

func TestWorkerSyncPendingFoldsIntoOneRound(t *testing.T) {
	primary := newFakePrimary(map[string]string{
		"playbooks/site.yml": "- hosts: all\n",
	})
	ts := primary.start(t)

	cfg := validConfig()
	cfg.ServerURL = ts.URL
	cfg.ContentDir = t.TempDir()
	cfg.LogsDir = t.TempDir()

	w, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)

	// Same-revision notifications are discarded before raising the flag
	require.NoError(t, w.syncer.FullSync(context.Background()))
	w.onSyncAvailable(w.syncer.Revision())
	assert.False(t, w.syncPending.Load())

	w.onSyncAvailable("some-new-revision")
	assert.True(t, w.syncPending.Load())
}

func TestWorkerStateTransitions(t *testing.T) {
	cfg := validConfig()
	cfg.ContentDir = t.TempDir()
	cfg.LogsDir = t.TempDir()

	w, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, StateStarting, w.State())

	w.setState(StateBusy)
	assert.Equal(t, StateBusy, w.State())
}

func TestWorkerRegistrationRejectedIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/workers/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status":"error","error":"invalid registration token"}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	cfg := validConfig()
	cfg.ServerURL = ts.URL
	cfg.ContentDir = t.TempDir()
	cfg.LogsDir = t.TempDir()

	w, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)

	err = w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration rejected")
	assert.Equal(t, StateError, w.State())
}
