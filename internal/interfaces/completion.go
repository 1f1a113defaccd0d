package interfaces

import "github.com/llathrop/ansible-simpleweb-sub000/internal/models"

// CompletionService processes worker completion reports: log persistence,
// the job transition, worker stats, CMDB forwarding and review events.
type CompletionService interface {
	Complete(jobID string, req *models.CompleteRequest) (*models.CompleteResponse, error)
}
