package badger

import (
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

func TestWorkerStorageRoundTrip(t *testing.T) {
	storage := NewWorkerStorage(newTestDB(t), arbor.NewLogger())

	worker := models.NewWorker("deploy-east", []string{"linux", "gpu"})
	worker.MaxConcurrent = 3
	if err := storage.Save(worker); err != nil {
		t.Fatalf("Failed to save worker: %v", err)
	}

	got, err := storage.Get(worker.ID)
	if err != nil {
		t.Fatalf("Failed to get worker: %v", err)
	}
	if got.Name != "deploy-east" {
		t.Errorf("Expected name deploy-east, got %s", got.Name)
	}
	if !got.HasTag("gpu") {
		t.Error("Expected worker to carry gpu tag")
	}
	if got.MaxConcurrent != 3 {
		t.Errorf("Expected max_concurrent 3, got %d", got.MaxConcurrent)
	}

	if _, err := storage.Get("missing"); err != interfaces.ErrNotFound {
		t.Errorf("Expected ErrNotFound for missing worker, got %v", err)
	}
}

func TestWorkerStorageGetByName(t *testing.T) {
	storage := NewWorkerStorage(newTestDB(t), arbor.NewLogger())

	remote := models.NewWorker("edge-1", nil)
	if err := storage.Save(remote); err != nil {
		t.Fatalf("Failed to save worker: %v", err)
	}

	// A local executor sharing the name must never shadow a remote worker
	local := models.NewLocalWorker(nil)
	local.Name = "edge-1"
	if err := storage.Save(local); err != nil {
		t.Fatalf("Failed to save local worker: %v", err)
	}

	got, err := storage.GetByName("edge-1")
	if err != nil {
		t.Fatalf("Failed to get worker by name: %v", err)
	}
	if got.ID != remote.ID {
		t.Errorf("Expected remote worker %s, got %s", remote.ID, got.ID)
	}

	if _, err := storage.GetByName("unknown"); err != interfaces.ErrNotFound {
		t.Errorf("Expected ErrNotFound for unknown name, got %v", err)
	}
}

func TestWorkerStorageListFilter(t *testing.T) {
	storage := NewWorkerStorage(newTestDB(t), arbor.NewLogger())

	online := models.NewWorker("w-online", []string{"linux"})
	offline := models.NewWorker("w-offline", []string{"windows"})
	offline.Status = models.WorkerStatusOffline
	local := models.NewLocalWorker([]string{"linux"})

	for _, w := range []*models.Worker{online, offline, local} {
		if err := storage.Save(w); err != nil {
			t.Fatalf("Failed to save worker: %v", err)
		}
	}

	all, err := storage.List(nil)
	if err != nil {
		t.Fatalf("Failed to list workers: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 workers, got %d", len(all))
	}

	onlineOnly, err := storage.List(&models.WorkerFilter{Status: models.WorkerStatusOnline})
	if err != nil {
		t.Fatalf("Failed to filter by status: %v", err)
	}
	if len(onlineOnly) != 2 {
		t.Errorf("Expected 2 online workers, got %d", len(onlineOnly))
	}

	linux, err := storage.List(&models.WorkerFilter{Tag: "linux"})
	if err != nil {
		t.Fatalf("Failed to filter by tag: %v", err)
	}
	if len(linux) != 2 {
		t.Errorf("Expected 2 linux workers, got %d", len(linux))
	}

	isLocal := true
	locals, err := storage.List(&models.WorkerFilter{IsLocal: &isLocal})
	if err != nil {
		t.Fatalf("Failed to filter locals: %v", err)
	}
	if len(locals) != 1 || locals[0].ID != models.LocalWorkerID {
		t.Errorf("Expected only the local executor, got %d entries", len(locals))
	}
}

func TestWorkerStorageDelete(t *testing.T) {
	storage := NewWorkerStorage(newTestDB(t), arbor.NewLogger())

	worker := models.NewWorker("short-lived", nil)
	if err := storage.Save(worker); err != nil {
		t.Fatalf("Failed to save worker: %v", err)
	}
	if err := storage.Delete(worker.ID); err != nil {
		t.Fatalf("Failed to delete worker: %v", err)
	}
	if _, err := storage.Get(worker.ID); err != interfaces.ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := storage.Delete(worker.ID); err != interfaces.ErrNotFound {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}
}
