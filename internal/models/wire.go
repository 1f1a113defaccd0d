package models

// Wire shapes shared by the primary's handlers and the worker's client.
// Field names follow the worker-primary API contract and must stay stable.

// RegisterRequest is the body of POST /api/workers/register
type RegisterRequest struct {
	Name          string   `json:"name"`
	Tags          []string `json:"tags"`
	Token         string   `json:"token"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

// RegisterResponse returns the assigned worker id and the check-in cadence
type RegisterResponse struct {
	WorkerID        string `json:"worker_id"`
	CheckinInterval int    `json:"checkin_interval"`
}

// ActiveJobSummary is the per-job digest a worker reports at check-in
type ActiveJobSummary struct {
	JobID      string  `json:"job_id"`
	Status     string  `json:"status"`
	Playbook   string  `json:"playbook,omitempty"`
	RunningFor float64 `json:"running_for,omitempty"`
}

// CheckinRequest is the body of POST /api/workers/<id>/checkin. Pointer
// fields are applied only when present.
type CheckinRequest struct {
	SyncRevision  *string            `json:"sync_revision,omitempty"`
	Stats         *WorkerStats       `json:"stats,omitempty"`
	Status        *string            `json:"status,omitempty"`
	ActiveJobs    []ActiveJobSummary `json:"active_jobs,omitempty"`
	MaxConcurrent *int               `json:"max_concurrent,omitempty"`
}

// CheckinResponse tells the worker when to come back and whether its
// content bundle is behind the primary's.
type CheckinResponse struct {
	NextCheckinSeconds int    `json:"next_checkin_seconds"`
	SyncNeeded         bool   `json:"sync_needed"`
	CurrentRevision    string `json:"current_revision"`
}

// StartJobRequest is the body of POST /api/jobs/<id>/start
type StartJobRequest struct {
	WorkerID string `json:"worker_id"`
	LogFile  string `json:"log_file"`
}

// LogStreamRequest is the body of POST /api/jobs/<id>/log/stream. The first
// chunk of a job uses Append=false to initialize the partial artifact.
type LogStreamRequest struct {
	WorkerID string `json:"worker_id"`
	Content  string `json:"content"`
	Append   bool   `json:"append"`
}

// CompleteRequest is the body of POST /api/jobs/<id>/complete. CMDBFacts and
// Checkin are optional piggybacks processed after the state transition.
type CompleteRequest struct {
	WorkerID        string                            `json:"worker_id"`
	ExitCode        int                               `json:"exit_code"`
	LogFile         string                            `json:"log_file"`
	LogContent      string                            `json:"log_content,omitempty"`
	ErrorMessage    string                            `json:"error_message,omitempty"`
	DurationSeconds float64                           `json:"duration_seconds"`
	CMDBFacts       map[string]map[string]interface{} `json:"cmdb_facts,omitempty"`
	Checkin         *CheckinRequest                   `json:"checkin,omitempty"`
}

// CompleteResponse reports which completion side effects succeeded
type CompleteResponse struct {
	Status             string `json:"status"`
	LogStored          bool   `json:"log_stored"`
	WorkerStatsUpdated bool   `json:"worker_stats_updated"`
	CMDBFactsStored    bool   `json:"cmdb_facts_stored"`
	CheckinProcessed   bool   `json:"checkin_processed"`
}

// JobListResponse wraps job polling results
type JobListResponse struct {
	Jobs []*Job `json:"jobs"`
}

// SyncAvailablePayload is pushed to the workers room on every content commit
type SyncAvailablePayload struct {
	Revision      string `json:"revision"`
	ShortRevision string `json:"short_revision"`
}

// JobSubmission is the body of POST /api/jobs
type JobSubmission struct {
	Playbook      string            `json:"playbook" validate:"required"`
	Target        string            `json:"target"`
	RequiredTags  []string          `json:"required_tags,omitempty"`
	PreferredTags []string          `json:"preferred_tags,omitempty"`
	Priority      *int              `json:"priority,omitempty" validate:"omitempty,min=0,max=100"`
	JobType       string            `json:"job_type,omitempty" validate:"omitempty,oneof=normal long_running"`
	ExtraVars     map[string]string `json:"extra_vars,omitempty"`
}
