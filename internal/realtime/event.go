// Package realtime provides a real-time event broadcasting system. The
// /api/v1/stream/runs websocket stream subscribes to its bus; no component in
// this repository publishes to the bus, and the queue dispatcher polls on a
// ticker rather than listening to it.
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a real-time event broadcast to subscribers.
type Event struct {
	// Type is the event type (run_started, step_completed, validation_pending, etc.)
	Type string `json:"type"`

	// ID is a unique event ID (UUID)
	ID string `json:"id"`

	// Data is the event payload (varies by event type)
	Data map[string]interface{} `json:"data"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Source is the event source (engine, dispatcher, validation, reactivation)
	Source string `json:"source"`

	// Sequence is a sequence number for event ordering (monotonically increasing)
	Sequence int64 `json:"sequence"`
}

// EventType constants for orchestrator events.
const (
	EventTypeQueueItemEnqueued = "queue_item_enqueued"
	EventTypeQueueItemClaimed  = "queue_item_claimed"

	EventTypeRunStarted   = "run_started"
	EventTypeRunCompleted = "run_completed"
	EventTypeRunFailed    = "run_failed"

	EventTypeStepStarted   = "step_started"
	EventTypeStepCompleted = "step_completed"
	EventTypeStepFailed    = "step_failed"

	EventTypeValidationPending  = "validation_pending"
	EventTypeValidationResolved = "validation_resolved"

	EventTypeReactivationTriggered = "reactivation_triggered"

	EventTypeSystemNotification = "system_notification"
)

// EventSource constants.
const (
	EventSourceEngine       = "engine"
	EventSourceDispatcher   = "dispatcher"
	EventSourceValidation   = "validation"
	EventSourceReactivation = "reactivation"
	EventSourceSystem       = "system"
)

// NewEvent creates a new Event with the given type, data, and source.
func NewEvent(eventType string, data map[string]interface{}, source string) *Event {
	return &Event{
		Type:      eventType,
		ID:        generateEventID(),
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Sequence:  0, // Will be set by EventBus
	}
}

// generateEventID generates a unique event ID (UUID).
func generateEventID() string {
	return uuid.New().String()
}
