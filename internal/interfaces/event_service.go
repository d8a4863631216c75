package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventRunStatus is published on every job state transition.
	EventRunStatus EventType = "run_status"

	// EventBatchStatus is published on batch-level milestones.
	EventBatchStatus EventType = "batch_status"

	// EventQueueStats is published periodically with queue depth counts.
	EventQueueStats EventType = "queue_stats"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the pub/sub event bus. Delivery to each subscriber is
// sequential in publish order, so events published from a single goroutine
// (e.g. all transitions of one job) arrive in order.
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers without waiting for handlers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes and waits until every handler has run
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
