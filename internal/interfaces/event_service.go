package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventRevisionChanged EventType = "revision_changed"
	EventJobSubmitted    EventType = "job_submitted"
	EventJobAssigned     EventType = "job_assigned"
	EventJobStarted      EventType = "job_started"
	EventJobCompleted    EventType = "job_completed"
	EventJobCancelled    EventType = "job_cancelled"
	EventJobRequeued     EventType = "job_requeued"
	EventLogChunk        EventType = "log_chunk"
	EventWorkerStale     EventType = "worker_stale"
	EventReviewReady     EventType = "review_ready"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
