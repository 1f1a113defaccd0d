package interfaces

import "github.com/llathrop/ansible-simpleweb-sub000/internal/models"

// QueueService - the job state machine and its queue views
type QueueService interface {
	Submit(sub *models.JobSubmission, submittedBy string) (*models.Job, error)
	Get(id string) (*models.Job, error)
	List(filter *models.JobFilter) ([]*models.Job, error)

	// Pending returns queued jobs ordered by priority desc, submitted_at asc
	Pending() ([]*models.Job, error)
	ByWorker(workerID string, statuses ...models.JobStatus) ([]*models.Job, error)

	// Assign transitions queued -> assigned; repeating an assignment for a
	// job already assigned to the same worker is a no-op.
	Assign(jobID, workerID string) error

	// Start transitions assigned -> running on behalf of the owning worker
	Start(jobID, workerID, logFile string) error

	// Finish transitions running -> completed|failed based on exit code
	Finish(jobID string, exitCode int, errorMessage string, duration float64, logFile string) (*models.Job, error)

	// Cancel marks a job cancelled; for assigned jobs the dispatcher frees
	// the worker slot promptly, for running jobs termination is advisory.
	Cancel(id string, cancelledBy string) (*models.Job, error)

	// Requeue resets an assigned/running job to queued (worker loss)
	Requeue(jobID, reason string) error

	// Cleanup removes terminal jobs older than maxAgeDays beyond keepCount
	Cleanup(maxAgeDays, keepCount int) (int, error)
}
