package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

type staticStore struct {
	types       []*core.StatusType
	transitions []*core.StatusTransition
}

func (s *staticStore) ListStatusTypes(ctx context.Context) ([]*core.StatusType, error) {
	return s.types, nil
}

func (s *staticStore) ListStatusTransitions(ctx context.Context) ([]*core.StatusTransition, error) {
	return s.transitions, nil
}

func seededRegistry(t *testing.T) *StatusRegistry {
	t.Helper()
	types, transitions := Seed()
	r, err := New()
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background(), &staticStore{types: types, transitions: transitions}))
	return r
}

func TestIsTransitionAllowed(t *testing.T) {
	r := seededRegistry(t)

	require.True(t, r.IsTransitionAllowed(core.CategoryRun, core.RunRunning, core.RunWaitingValidation))
	require.True(t, r.IsTransitionAllowed(core.CategoryQueue, core.QueuePending, core.QueueRunning))
	require.False(t, r.IsTransitionAllowed(core.CategoryRun, core.RunCompleted, core.RunRunning))
	require.False(t, r.IsTransitionAllowed(core.CategoryTicket, core.TicketPending, core.TicketCompleted))
}

func TestIsTerminal(t *testing.T) {
	r := seededRegistry(t)

	require.True(t, r.IsTerminal(core.RunCompleted))
	require.True(t, r.IsTerminal(core.ValidationAbandoned))
	require.True(t, r.IsTerminal(core.QueueTimeout))
	require.False(t, r.IsTerminal(core.RunRunning))
}

func TestStatusesFor(t *testing.T) {
	r := seededRegistry(t)

	states := r.StatusesFor(core.CategoryStep)
	require.True(t, states[core.StepPending])
	require.True(t, states[core.StepCompleted])
	require.False(t, states["bogus"])
}

func TestValidateTransition(t *testing.T) {
	r := seededRegistry(t)

	require.NoError(t, r.ValidateTransition(core.CategoryValidation, core.ValidationPending, core.ValidationApproved))

	err := r.ValidateTransition(core.CategoryValidation, core.ValidationApproved, core.ValidationPending)
	require.Error(t, err)
	var invalidErr *core.ErrInvalidTransition
	require.ErrorAs(t, err, &invalidErr)
}
