package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPublisher_PublishRunEvent(t *testing.T) {
	// Use nil metrics to avoid Prometheus registration issues in tests
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	startedAt := time.Now()
	run := &core.Run{
		ID:            1,
		TicketID:      42,
		RunNumber:     1,
		CurrentStatus: "running",
		StartedAt:     &startedAt,
	}

	err = publisher.PublishRunEvent(EventTypeRunStarted, run)
	assert.NoError(t, err)
}

func TestEventPublisher_PublishStepEvent(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	step := &core.Step{
		ID:            7,
		RunID:         1,
		StepName:      "apply_patch",
		CurrentStatus: "running",
		RetryCount:    0,
	}

	err = publisher.PublishStepEvent(EventTypeStepStarted, step)
	assert.NoError(t, err)
}

func TestEventPublisher_PublishValidationEvent(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	v := &core.Validation{
		ID:            3,
		ExternalUUID:  "f47ac10b-58cc-4372-a567-0e02b2c3d479",
		RunID:         1,
		StepID:        7,
		CurrentStatus: "pending",
		ExpiresAt:     time.Now().Add(time.Hour),
	}

	err = publisher.PublishValidationEvent(EventTypeValidationPending, v)
	assert.NoError(t, err)
}

func TestEventPublisher_PublishReactivationEvent(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	trigger := &core.ReactivationTrigger{
		ID:       9,
		TicketID: 42,
		Action:   "spawned",
		Reason:   "new commits pushed to tracked branch",
	}

	err = publisher.PublishReactivationEvent(trigger)
	assert.NoError(t, err)
}

func TestEventPublisher_PublishSystemNotification(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	err = publisher.PublishSystemNotification("info", "queue dispatcher restarted")
	assert.NoError(t, err)
}

func TestEventPublisher_NilEventBus(t *testing.T) {
	// Publisher should handle nil EventBus gracefully
	publisher := NewEventPublisher(nil, slog.Default(), nil)

	run := &core.Run{ID: 1, TicketID: 42, RunNumber: 1, CurrentStatus: "running"}

	// Should not panic
	err := publisher.PublishRunEvent(EventTypeRunStarted, run)
	assert.NoError(t, err) // Returns nil when EventBus is nil
}
