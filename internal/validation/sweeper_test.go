package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

func TestExpirySweeperFailsPastDeadlineValidations(t *testing.T) {
	clock := fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	validations := newFakeValidations()
	runs := &fakeRuns{byID: map[int64]*core.Run{1: {ID: 1, TicketID: 1, CurrentStatus: core.RunWaitingValidation}}}
	tickets := &fakeTickets{byID: map[int64]*core.Ticket{1: {ID: 1, ExternalID: "TCK-1", CurrentStatus: core.TicketAwaitingValidation}}}
	engine := &fakeEngine{}

	v := &core.Validation{
		ExternalUUID:  "uuid-stale",
		RunID:         1,
		CurrentStatus: core.ValidationPending,
		ExpiresAt:     clock.now.Add(-time.Minute),
	}
	require.NoError(t, validations.Create(context.Background(), v))

	sweeper := NewExpirySweeper(validations, runs, tickets, &fakeQueue{}, engine, clock, time.Hour, nil)
	sweeper.RunOnce(context.Background())

	got, err := validations.GetByUUID(context.Background(), v.ExternalUUID)
	require.NoError(t, err)
	require.Equal(t, core.ValidationExpiredStatus, got.CurrentStatus)
	require.Equal(t, []string{core.ReasonValidationExpired}, engine.failedReasons)
}

func TestExpirySweeperIgnoresUnexpiredValidations(t *testing.T) {
	clock := fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	validations := newFakeValidations()
	runs := &fakeRuns{byID: map[int64]*core.Run{}}
	tickets := &fakeTickets{byID: map[int64]*core.Ticket{}}
	engine := &fakeEngine{}

	v := &core.Validation{
		ExternalUUID:  "uuid-fresh",
		RunID:         1,
		CurrentStatus: core.ValidationPending,
		ExpiresAt:     clock.now.Add(time.Hour),
	}
	require.NoError(t, validations.Create(context.Background(), v))

	sweeper := NewExpirySweeper(validations, runs, tickets, &fakeQueue{}, engine, clock, time.Hour, nil)
	sweeper.RunOnce(context.Background())

	got, err := validations.GetByUUID(context.Background(), v.ExternalUUID)
	require.NoError(t, err)
	require.Equal(t, core.ValidationPending, got.CurrentStatus)
	require.Empty(t, engine.failedReasons)
}
