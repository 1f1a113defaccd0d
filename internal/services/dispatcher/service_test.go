package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/events"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/queue"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/storage/badger"
)

func newTestDispatcher(t *testing.T) (*Service, *queue.Service, interfaces.StorageManager) {
	t.Helper()

	logger := arbor.NewLogger()
	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	bus := events.NewService(logger)
	q := queue.NewService(storage, bus, logger)
	d := NewService(storage, q, bus, &common.DispatcherConfig{PollInterval: "5s"}, logger)
	return d, q, storage
}

func saveWorker(t *testing.T, storage interfaces.StorageManager, w *models.Worker) *models.Worker {
	t.Helper()
	require.NoError(t, storage.WorkerStorage().Save(w))
	return w
}

func assignedWorkerOf(t *testing.T, q *queue.Service, jobID string) string {
	t.Helper()
	job, err := q.Get(jobID)
	require.NoError(t, err)
	if job.AssignedWorker == nil {
		return ""
	}
	return *job.AssignedWorker
}

func TestDispatchByRequiredTags(t *testing.T) {
	d, q, storage := newTestDispatcher(t)

	w1 := saveWorker(t, storage, models.NewWorker("w1", []string{"gpu", "net-a"}))
	w2 := saveWorker(t, storage, models.NewWorker("w2", []string{"cpu", "net-b"}))

	j1, err := q.Submit(&models.JobSubmission{Playbook: "train.yml", RequiredTags: []string{"gpu"}}, "alice")
	require.NoError(t, err)
	j2, err := q.Submit(&models.JobSubmission{Playbook: "batch.yml", RequiredTags: []string{"cpu"}}, "alice")
	require.NoError(t, err)

	assert.Equal(t, 2, d.DispatchOnce())

	assert.Equal(t, w1.ID, assignedWorkerOf(t, q, j1.ID))
	assert.Equal(t, w2.ID, assignedWorkerOf(t, q, j2.ID))

	got1, err := storage.WorkerStorage().Get(w1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{j1.ID}, got1.CurrentJobs)

	got2, err := storage.WorkerStorage().Get(w2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{j2.ID}, got2.CurrentJobs)
}

func TestDispatchPrefersRemoteOverLocal(t *testing.T) {
	d, q, storage := newTestDispatcher(t)

	local := saveWorker(t, storage, models.NewLocalWorker(nil))
	remote := saveWorker(t, storage, models.NewWorker("r1", nil))

	first, err := q.Submit(&models.JobSubmission{Playbook: "one.yml"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, d.DispatchOnce())
	assert.Equal(t, remote.ID, assignedWorkerOf(t, q, first.ID))

	// The local executor is chosen only once the remote is full
	second, err := q.Submit(&models.JobSubmission{Playbook: "two.yml"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, d.DispatchOnce())
	assert.Equal(t, local.ID, assignedWorkerOf(t, q, second.ID))
}

func TestDispatchRespectsCapacity(t *testing.T) {
	d, q, storage := newTestDispatcher(t)

	w := models.NewWorker("w1", nil)
	w.MaxConcurrent = 2
	saveWorker(t, storage, w)

	var ids []string
	for _, pb := range []string{"a.yml", "b.yml", "c.yml"} {
		job, err := q.Submit(&models.JobSubmission{Playbook: pb}, "alice")
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	// Only two slots exist; the third job stays queued
	assert.Equal(t, 2, d.DispatchOnce())
	assert.Equal(t, w.ID, assignedWorkerOf(t, q, ids[0]))
	assert.Equal(t, w.ID, assignedWorkerOf(t, q, ids[1]))
	assert.Equal(t, "", assignedWorkerOf(t, q, ids[2]))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[2], pending[0].ID)
}

func TestDispatchSkipsHeadOfLine(t *testing.T) {
	d, q, storage := newTestDispatcher(t)

	saveWorker(t, storage, models.NewWorker("plain", []string{"cpu"}))

	// Highest priority job needs a tag nobody has
	blocked, err := q.Submit(&models.JobSubmission{Playbook: "gpu.yml", Priority: intPtr(99), RequiredTags: []string{"gpu"}}, "alice")
	require.NoError(t, err)
	runnable, err := q.Submit(&models.JobSubmission{Playbook: "cpu.yml", Priority: intPtr(10), RequiredTags: []string{"cpu"}}, "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, d.DispatchOnce())
	assert.Equal(t, "", assignedWorkerOf(t, q, blocked.ID))
	assert.NotEqual(t, "", assignedWorkerOf(t, q, runnable.ID))
}

func TestDispatchScoringOrder(t *testing.T) {
	d, q, storage := newTestDispatcher(t)

	// Preferred-tag overlap beats priority boost
	plain := models.NewWorker("plain", []string{"linux"})
	plain.PriorityBoost = 10
	saveWorker(t, storage, plain)

	tagged := saveWorker(t, storage, models.NewWorker("tagged", []string{"linux", "fast"}))

	job, err := q.Submit(&models.JobSubmission{Playbook: "x.yml", PreferredTags: []string{"fast"}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, d.DispatchOnce())
	assert.Equal(t, tagged.ID, assignedWorkerOf(t, q, job.ID))
}

func TestDispatchDeterministicFallback(t *testing.T) {
	_, _, storage := newTestDispatcher(t)

	a := models.NewWorker("a", nil)
	a.ID = "aaaa"
	b := models.NewWorker("b", nil)
	b.ID = "bbbb"
	saveWorker(t, storage, a)
	saveWorker(t, storage, b)

	job := models.NewJob("x.yml", "all", "alice")
	picked := pickWorker([]*models.Worker{b, a}, job)
	require.NotNil(t, picked)
	assert.Equal(t, "aaaa", picked.ID)
}

func TestDispatchIgnoresOfflineAndStale(t *testing.T) {
	d, q, storage := newTestDispatcher(t)

	offline := models.NewWorker("offline", nil)
	offline.Status = models.WorkerStatusOffline
	saveWorker(t, storage, offline)

	stale := models.NewWorker("stale", nil)
	stale.Status = models.WorkerStatusStale
	saveWorker(t, storage, stale)

	job, err := q.Submit(&models.JobSubmission{Playbook: "x.yml"}, "alice")
	require.NoError(t, err)

	assert.Equal(t, 0, d.DispatchOnce())
	assert.Equal(t, "", assignedWorkerOf(t, q, job.ID))
}

func intPtr(v int) *int { return &v }
