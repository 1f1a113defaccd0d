package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a playbook execution job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobType distinguishes ordinary runs from long-running executions
type JobType string

const (
	JobTypeNormal      JobType = "normal"
	JobTypeLongRunning JobType = "long_running"
)

// Job is a single playbook-execution request moving through the queue.
// One record per job; the dispatcher and the owning worker are the only
// writers of Status once the job leaves the queue.
type Job struct {
	ID            string            `json:"id" badgerhold:"key"`
	Playbook      string            `json:"playbook"`
	Target        string            `json:"target"`
	RequiredTags  []string          `json:"required_tags"`
	PreferredTags []string          `json:"preferred_tags"`
	Priority      int               `json:"priority" validate:"min=0,max=100"`
	JobType       JobType           `json:"job_type"`
	ExtraVars     map[string]string `json:"extra_vars,omitempty"`

	Status         JobStatus `json:"status" badgerhold:"index"`
	AssignedWorker *string   `json:"assigned_worker"`
	SubmittedBy    string    `json:"submitted_by"`

	LogFile         string   `json:"log_file,omitempty"`
	ExitCode        *int     `json:"exit_code"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds"`

	SubmittedAt time.Time  `json:"submitted_at"`
	AssignedAt  *time.Time `json:"assigned_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// NewJob creates a queued job from a submission
func NewJob(playbook, target string, submittedBy string) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Playbook:    playbook,
		Target:      target,
		Priority:    50,
		JobType:     JobTypeNormal,
		Status:      JobStatusQueued,
		SubmittedBy: submittedBy,
		SubmittedAt: time.Now(),
	}
}

// validTransitions holds the permitted state machine edges. The only cycles
// are the requeue edges assigned->queued and running->queued (worker loss).
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:    {JobStatusAssigned, JobStatusCancelled},
	JobStatusAssigned:  {JobStatusRunning, JobStatusQueued, JobStatusCancelled},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusQueued, JobStatusCancelled},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// CanTransition reports whether moving from the current status to next is a
// legal state machine edge.
func (j *Job) CanTransition(next JobStatus) bool {
	for _, s := range validTransitions[j.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true when the job has reached a final state
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsActive returns true while a worker holds the job
func (j *Job) IsActive() bool {
	return j.Status == JobStatusAssigned || j.Status == JobStatusRunning
}

// MarkAssigned transitions queued -> assigned for the given worker
func (j *Job) MarkAssigned(workerID string) error {
	if !j.CanTransition(JobStatusAssigned) {
		return fmt.Errorf("cannot assign job in status %s", j.Status)
	}
	now := time.Now()
	j.Status = JobStatusAssigned
	j.AssignedWorker = &workerID
	j.AssignedAt = &now
	return nil
}

// MarkRunning transitions assigned -> running
func (j *Job) MarkRunning(logFile string) error {
	if !j.CanTransition(JobStatusRunning) {
		return fmt.Errorf("cannot start job in status %s", j.Status)
	}
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	if logFile != "" {
		j.LogFile = logFile
	}
	return nil
}

// MarkFinished transitions running -> completed|failed based on exit code
func (j *Job) MarkFinished(exitCode int, errorMessage string, duration float64) error {
	next := JobStatusCompleted
	if exitCode != 0 {
		next = JobStatusFailed
	}
	if !j.CanTransition(next) {
		return fmt.Errorf("cannot finish job in status %s", j.Status)
	}
	now := time.Now()
	j.Status = next
	j.ExitCode = &exitCode
	j.ErrorMessage = errorMessage
	j.DurationSeconds = &duration
	j.CompletedAt = &now
	return nil
}

// MarkCancelled transitions any non-terminal state to cancelled
func (j *Job) MarkCancelled() error {
	if !j.CanTransition(JobStatusCancelled) {
		return fmt.Errorf("cannot cancel job in status %s", j.Status)
	}
	now := time.Now()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	return nil
}

// Requeue resets an assigned or running job back to the queue, clearing the
// assignment fields. Used on worker loss.
func (j *Job) Requeue(reason string) error {
	if !j.CanTransition(JobStatusQueued) {
		return fmt.Errorf("cannot requeue job in status %s", j.Status)
	}
	j.Status = JobStatusQueued
	j.AssignedWorker = nil
	j.AssignedAt = nil
	j.StartedAt = nil
	j.ErrorMessage = reason
	return nil
}

// ShortID returns the first id segment, used in log file names
func (j *Job) ShortID() string {
	if len(j.ID) >= 8 {
		return j.ID[:8]
	}
	return j.ID
}

// JobFilter narrows List queries; zero values mean no constraint
type JobFilter struct {
	Status         JobStatus
	Playbook       string
	AssignedWorker string
	SubmittedBy    string
	Limit          int
	Offset         int
}
