package interfaces

import "github.com/llathrop/ansible-simpleweb-sub000/internal/models"

// RegistryService - worker registration, check-in and lifecycle
type RegistryService interface {
	// Register validates the shared registration token and creates or
	// refreshes the worker record. Re-registration by name preserves the
	// existing id, registered_at and stats.
	Register(req *models.RegisterRequest) (*models.RegisterResponse, error)

	// Checkin applies the fields present in the request and bumps
	// last_checkin. sync_needed compares the reported revision with the
	// content store's current revision.
	Checkin(workerID string, req *models.CheckinRequest) (*models.CheckinResponse, error)

	Get(id string) (*models.Worker, error)
	List(filter *models.WorkerFilter) ([]*models.Worker, error)

	// Delete refuses the local worker and any worker with active jobs
	Delete(id string) error

	// EnsureLocalWorker creates or revives the reserved local executor
	EnsureLocalWorker(tags []string) error
}
