package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkerStatus represents the registry's view of a worker
type WorkerStatus string

const (
	WorkerStatusOnline  WorkerStatus = "online"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusStale   WorkerStatus = "stale"
)

// ValidWorkerStatus reports whether a worker may self-report the status.
// Stale is assigned only by the registry sweep.
func ValidWorkerStatus(s string) bool {
	switch WorkerStatus(s) {
	case WorkerStatusOnline, WorkerStatusBusy, WorkerStatusOffline:
		return true
	}
	return false
}

const (
	// LocalWorkerID is the reserved id of the primary's co-located executor
	LocalWorkerID = "__local__"

	// LocalWorkerBoost keeps the local executor at the bottom of the
	// dispatcher scoring so remote workers are always preferred.
	LocalWorkerBoost = -1000
)

// WorkerStats holds the gauges and counters a worker reports at check-in
// plus the counters the completion pipeline maintains.
type WorkerStats struct {
	Load1m           float64    `json:"load_1m"`
	MemoryPercent    float64    `json:"memory_percent"`
	CPUPercent       float64    `json:"cpu_percent"`
	JobsCompleted    int        `json:"jobs_completed"`
	JobsFailed       int        `json:"jobs_failed"`
	AvgJobDuration   float64    `json:"avg_job_duration"`
	LastJobCompleted *time.Time `json:"last_job_completed,omitempty"`
}

// Worker is one execution node known to the registry. The local worker
// (`__local__`) is created at primary startup and is never deleted.
type Worker struct {
	ID            string       `json:"id" badgerhold:"key"`
	Name          string       `json:"name"`
	Tags          []string     `json:"tags"`
	PriorityBoost int          `json:"priority_boost"`
	Status        WorkerStatus `json:"status" badgerhold:"index"`
	IsLocal       bool         `json:"is_local"`
	SyncRevision  string       `json:"sync_revision,omitempty"`
	CurrentJobs   []string     `json:"current_jobs"`
	MaxConcurrent int          `json:"max_concurrent"`
	Stats         WorkerStats  `json:"stats"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastCheckin   time.Time    `json:"last_checkin"`
}

// NewWorker creates a freshly registered remote worker
func NewWorker(name string, tags []string) *Worker {
	now := time.Now()
	return &Worker{
		ID:            uuid.New().String(),
		Name:          name,
		Tags:          tags,
		PriorityBoost: 0,
		Status:        WorkerStatusOnline,
		MaxConcurrent: 1,
		CurrentJobs:   []string{},
		RegisteredAt:  now,
		LastCheckin:   now,
	}
}

// NewLocalWorker creates the reserved primary-local executor record
func NewLocalWorker(tags []string) *Worker {
	now := time.Now()
	return &Worker{
		ID:            LocalWorkerID,
		Name:          "local",
		Tags:          tags,
		PriorityBoost: LocalWorkerBoost,
		Status:        WorkerStatusOnline,
		IsLocal:       true,
		MaxConcurrent: 1,
		CurrentJobs:   []string{},
		RegisteredAt:  now,
		LastCheckin:   now,
	}
}

// HasTag reports whether the worker carries the given tag
func (w *Worker) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasAllTags reports whether every required tag is present
func (w *Worker) HasAllTags(required []string) bool {
	for _, t := range required {
		if !w.HasTag(t) {
			return false
		}
	}
	return true
}

// HasJob reports whether the job id is tracked in current_jobs
func (w *Worker) HasJob(jobID string) bool {
	for _, id := range w.CurrentJobs {
		if id == jobID {
			return true
		}
	}
	return false
}

// AddJob records an assignment; duplicates are ignored
func (w *Worker) AddJob(jobID string) {
	if w.HasJob(jobID) {
		return
	}
	w.CurrentJobs = append(w.CurrentJobs, jobID)
}

// RemoveJob drops a job id from current_jobs
func (w *Worker) RemoveJob(jobID string) {
	for i, id := range w.CurrentJobs {
		if id == jobID {
			w.CurrentJobs = append(w.CurrentJobs[:i], w.CurrentJobs[i+1:]...)
			return
		}
	}
}

// Capacity returns the effective concurrency limit (unknown treated as 1)
func (w *Worker) Capacity() int {
	if w.MaxConcurrent < 1 {
		return 1
	}
	return w.MaxConcurrent
}

// AtCapacity reports whether the worker cannot accept another job
func (w *Worker) AtCapacity() bool {
	return len(w.CurrentJobs) >= w.Capacity()
}

// WorkerFilter narrows registry list queries
type WorkerFilter struct {
	Status  WorkerStatus
	Tag     string
	IsLocal *bool
}
