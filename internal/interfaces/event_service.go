package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventJobUpdate fires on any job status transition.
	EventJobUpdate EventType = "job_update"
	// EventJobLog fires when output lines are appended to a job's log.
	EventJobLog EventType = "job_log"
	// EventFileRegistered fires when a new output file joins a job's set.
	EventFileRegistered EventType = "file_registered"
	// EventMergeCompleted fires after a merge operation finishes.
	EventMergeCompleted EventType = "merge_completed"
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

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
