package realtime

import (
	"log/slog"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// EventPublisher publishes events to EventBus from various orchestrator
// components (engine, dispatcher, validation rendezvous, reactivation).
type EventPublisher struct {
	eventBus *DefaultEventBus
	logger   *slog.Logger
	metrics  *RealtimeMetrics
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(eventBus *DefaultEventBus, logger *slog.Logger, metrics *RealtimeMetrics) *EventPublisher {
	return &EventPublisher{
		eventBus: eventBus,
		logger:   logger.With("component", "event_publisher"),
		metrics:  metrics,
	}
}

// PublishRunEvent publishes a run lifecycle event (run_started, run_completed, run_failed).
func (p *EventPublisher) PublishRunEvent(eventType string, run *core.Run) error {
	if p.eventBus == nil {
		return nil
	}

	data := map[string]interface{}{
		"run_id":          run.ID,
		"ticket_id":       run.TicketID,
		"run_number":      run.RunNumber,
		"current_status":  run.CurrentStatus,
		"current_step":    run.CurrentStepName,
		"is_reactivation": run.IsReactivation,
	}
	if run.StartedAt != nil {
		data["started_at"] = run.StartedAt.Format(time.RFC3339)
	}
	if run.CompletedAt != nil {
		data["completed_at"] = run.CompletedAt.Format(time.RFC3339)
	}

	event := NewEvent(eventType, data, EventSourceEngine)
	return p.eventBus.Publish(*event)
}

// PublishStepEvent publishes a step lifecycle event (step_started, step_completed, step_failed).
func (p *EventPublisher) PublishStepEvent(eventType string, step *core.Step) error {
	if p.eventBus == nil {
		return nil
	}

	data := map[string]interface{}{
		"step_id":        step.ID,
		"run_id":         step.RunID,
		"step_name":      step.StepName,
		"current_status": step.CurrentStatus,
		"retry_count":    step.RetryCount,
	}

	event := NewEvent(eventType, data, EventSourceEngine)
	return p.eventBus.Publish(*event)
}

// PublishValidationEvent publishes a validation lifecycle event (validation_pending, validation_resolved).
func (p *EventPublisher) PublishValidationEvent(eventType string, v *core.Validation) error {
	if p.eventBus == nil {
		return nil
	}

	data := map[string]interface{}{
		"validation_id":   v.ID,
		"external_uuid":   v.ExternalUUID,
		"run_id":          v.RunID,
		"step_id":         v.StepID,
		"current_status":  v.CurrentStatus,
		"rejection_count": v.RejectionCount,
		"expires_at":      v.ExpiresAt.Format(time.RFC3339),
	}

	event := NewEvent(eventType, data, EventSourceValidation)
	return p.eventBus.Publish(*event)
}

// PublishReactivationEvent publishes a reactivation-triggered event.
func (p *EventPublisher) PublishReactivationEvent(trigger *core.ReactivationTrigger) error {
	if p.eventBus == nil {
		return nil
	}

	data := map[string]interface{}{
		"ticket_id": trigger.TicketID,
		"action":    trigger.Action,
		"reason":    trigger.Reason,
	}

	event := NewEvent(EventTypeReactivationTriggered, data, EventSourceReactivation)
	return p.eventBus.Publish(*event)
}

// PublishSystemNotification publishes a system notification event.
func (p *EventPublisher) PublishSystemNotification(level string, message string) error {
	if p.eventBus == nil {
		return nil
	}

	data := map[string]interface{}{
		"level":   level, // info, warning, error
		"message": message,
	}

	event := NewEvent(EventTypeSystemNotification, data, EventSourceSystem)
	return p.eventBus.Publish(*event)
}
