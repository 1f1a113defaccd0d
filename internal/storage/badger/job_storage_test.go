package badger

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// newTestDB opens a throwaway BadgerDB under t.TempDir, shared by the
// storage tests in this package.
func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store}
}

func TestJobStorageRoundTrip(t *testing.T) {
	storage := NewJobStorage(newTestDB(t), arbor.NewLogger())

	job := models.NewJob("site.yml", "web01", "alice")
	job.Priority = 75
	if err := storage.Save(job); err != nil {
		t.Fatalf("Failed to save job: %v", err)
	}

	got, err := storage.Get(job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if got.Playbook != "site.yml" {
		t.Errorf("Expected playbook site.yml, got %s", got.Playbook)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("Expected status queued, got %s", got.Status)
	}
	if got.Priority != 75 {
		t.Errorf("Expected priority 75, got %d", got.Priority)
	}

	if _, err := storage.Get("no-such-job"); err != interfaces.ErrNotFound {
		t.Errorf("Expected ErrNotFound for missing job, got %v", err)
	}
}

func TestJobStorageStatusUpdate(t *testing.T) {
	storage := NewJobStorage(newTestDB(t), arbor.NewLogger())

	job := models.NewJob("deploy.yml", "", "bob")
	if err := storage.Save(job); err != nil {
		t.Fatalf("Failed to save job: %v", err)
	}

	// Assign, re-save, and verify the mutation persisted
	if err := job.MarkAssigned("worker-1"); err != nil {
		t.Fatalf("Failed to mark assigned: %v", err)
	}
	if err := storage.Save(job); err != nil {
		t.Fatalf("Failed to save assigned job: %v", err)
	}

	got, err := storage.Get(job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if got.Status != models.JobStatusAssigned {
		t.Errorf("Expected status assigned, got %s", got.Status)
	}
	if got.AssignedWorker == nil || *got.AssignedWorker != "worker-1" {
		t.Errorf("Expected assigned worker worker-1, got %v", got.AssignedWorker)
	}
	if got.AssignedAt == nil {
		t.Error("Expected assigned_at to be set")
	}
}

func TestJobStorageListFilter(t *testing.T) {
	storage := NewJobStorage(newTestDB(t), arbor.NewLogger())

	base := time.Now().Add(-time.Hour)
	mk := func(playbook, user string, status models.JobStatus, offset time.Duration) *models.Job {
		j := models.NewJob(playbook, "", user)
		j.Status = status
		j.SubmittedAt = base.Add(offset)
		if err := storage.Save(j); err != nil {
			t.Fatalf("Failed to save job: %v", err)
		}
		return j
	}

	mk("site.yml", "alice", models.JobStatusQueued, 1*time.Minute)
	mk("site.yml", "bob", models.JobStatusCompleted, 2*time.Minute)
	newest := mk("patch.yml", "alice", models.JobStatusQueued, 3*time.Minute)

	all, err := storage.List(nil)
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != newest.ID {
		t.Errorf("Expected newest job first, got %s", all[0].ID)
	}

	queued, err := storage.List(&models.JobFilter{Status: models.JobStatusQueued})
	if err != nil {
		t.Fatalf("Failed to filter jobs: %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("Expected 2 queued jobs, got %d", len(queued))
	}

	byUser, err := storage.List(&models.JobFilter{SubmittedBy: "bob"})
	if err != nil {
		t.Fatalf("Failed to filter by submitter: %v", err)
	}
	if len(byUser) != 1 || byUser[0].SubmittedBy != "bob" {
		t.Errorf("Expected exactly bob's job, got %d entries", len(byUser))
	}

	limited, err := storage.List(&models.JobFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Failed to page jobs: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 job with limit+offset, got %d", len(limited))
	}
}

func TestJobStorageByWorker(t *testing.T) {
	storage := NewJobStorage(newTestDB(t), arbor.NewLogger())

	assignedTo := func(workerID string, status models.JobStatus) *models.Job {
		j := models.NewJob("site.yml", "", "alice")
		j.Status = status
		j.AssignedWorker = &workerID
		if err := storage.Save(j); err != nil {
			t.Fatalf("Failed to save job: %v", err)
		}
		return j
	}

	assignedTo("worker-1", models.JobStatusAssigned)
	assignedTo("worker-1", models.JobStatusRunning)
	assignedTo("worker-2", models.JobStatusAssigned)

	jobs, err := storage.ByWorker("worker-1")
	if err != nil {
		t.Fatalf("Failed to list jobs by worker: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs for worker-1, got %d", len(jobs))
	}

	assigned, err := storage.ByWorker("worker-1", models.JobStatusAssigned)
	if err != nil {
		t.Fatalf("Failed to list assigned jobs: %v", err)
	}
	if len(assigned) != 1 {
		t.Errorf("Expected 1 assigned job for worker-1, got %d", len(assigned))
	}

	counts, err := storage.CountByStatus(models.JobStatusAssigned)
	if err != nil {
		t.Fatalf("Failed to count by status: %v", err)
	}
	if counts != 2 {
		t.Errorf("Expected 2 assigned jobs total, got %d", counts)
	}
}
