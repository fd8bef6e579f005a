package validation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeValidations struct {
	mu        sync.Mutex
	byID      map[int64]*core.Validation
	byUUID    map[string]int64
	responses []*core.ValidationResponse
	nextID    int64
}

func newFakeValidations() *fakeValidations {
	return &fakeValidations{byID: map[int64]*core.Validation{}, byUUID: map[string]int64{}}
}

func (f *fakeValidations) Create(ctx context.Context, v *core.Validation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	v.ID = f.nextID
	cp := *v
	f.byID[v.ID] = &cp
	f.byUUID[v.ExternalUUID] = v.ID
	return nil
}

func (f *fakeValidations) GetByUUID(ctx context.Context, uuid string) (*core.Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byUUID[uuid]
	if !ok {
		return nil, nil
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeValidations) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	if !ok || v.CurrentStatus != expectedFrom {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryValidation, EntityID: id, Expected: expectedFrom}
	}
	v.CurrentStatus = to
	return nil
}

func (f *fakeValidations) IncrementRejectionCount(ctx context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.byID[id]
	v.RejectionCount++
	return v.RejectionCount, nil
}

func (f *fakeValidations) PendingForRun(ctx context.Context, runID int64) (*core.Validation, error) {
	return nil, nil
}

func (f *fakeValidations) ExpiredPending(ctx context.Context, asOf time.Time) ([]*core.Validation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Validation
	for _, v := range f.byID {
		if v.CurrentStatus == core.ValidationPending && asOf.After(v.ExpiresAt) {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeValidations) CreateResponse(ctx context.Context, resp *core.ValidationResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeValidations) ResponseExists(ctx context.Context, validationID int64) (bool, error) {
	return false, nil
}

type fakeRuns struct {
	mu   sync.Mutex
	byID map[int64]*core.Run
}

func (f *fakeRuns) GetByID(ctx context.Context, id int64) (*core.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.byID[id]
	return &cp, nil
}
func (f *fakeRuns) Create(ctx context.Context, r *core.Run) error                     { return nil }
func (f *fakeRuns) NextRunNumber(ctx context.Context, ticketID int64) (int, error)    { return 1, nil }
func (f *fakeRuns) ActiveRunForTicket(ctx context.Context, ticketID int64) (*core.Run, error) {
	return nil, nil
}
func (f *fakeRuns) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.byID[id]
	if r.CurrentStatus != expectedFrom {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryRun, EntityID: id, Expected: expectedFrom}
	}
	r.CurrentStatus = to
	r.Reason = reason
	return nil
}
func (f *fakeRuns) SetCurrentStep(ctx context.Context, id int64, stepName string) error { return nil }
func (f *fakeRuns) SetProgress(ctx context.Context, id int64, percent int) error        { return nil }
func (f *fakeRuns) ListRunningWithoutLiveDispatch(ctx context.Context) ([]*core.Run, error) {
	return nil, nil
}
func (f *fakeRuns) WalkAncestry(ctx context.Context, runID int64, maxDepth int) ([]*core.Run, error) {
	return nil, nil
}

type fakeTickets struct {
	mu   sync.Mutex
	byID map[int64]*core.Ticket
}

func (f *fakeTickets) Create(ctx context.Context, t *core.Ticket) error { return nil }
func (f *fakeTickets) GetByID(ctx context.Context, id int64) (*core.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.byID[id]
	return &cp, nil
}
func (f *fakeTickets) GetByExternalID(ctx context.Context, externalID string) (*core.Ticket, error) {
	return nil, nil
}
func (f *fakeTickets) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, changedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.byID[id]
	if t.CurrentStatus != expectedFrom {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryTicket, EntityID: id, Expected: expectedFrom}
	}
	t.CurrentStatus = to
	return nil
}
func (f *fakeTickets) UpdateLastRunID(ctx context.Context, id int64, runID int64) error { return nil }
func (f *fakeTickets) SnapshotPreviousStatus(ctx context.Context, id int64) error       { return nil }

type fakeQueue struct{}

func (f *fakeQueue) Insert(ctx context.Context, e *core.QueueEntry) error { return nil }
func (f *fakeQueue) ExistsForEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeQueue) ClaimNext(ctx context.Context) (*core.QueueEntry, error) { return nil, nil }
func (f *fakeQueue) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	return nil
}
func (f *fakeQueue) SetDispatchHandle(ctx context.Context, id int64, handle string) error { return nil }
func (f *fakeQueue) RunningPastDeadline(ctx context.Context, deadline time.Time) ([]*core.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueue) ActiveForItem(ctx context.Context, externalItemID string) (*core.QueueEntry, error) {
	return &core.QueueEntry{ID: 1, ExternalItemID: externalItemID, CurrentStatus: core.QueueWaitingValidation}, nil
}
func (f *fakeQueue) GetByTicketExternalID(ctx context.Context, externalItemID string) ([]*core.QueueEntry, error) {
	return nil, nil
}

type fakeEngine struct {
	mu            sync.Mutex
	resumedStep   core.StepName
	resumedInput  []byte
	failedReasons []string
}

func (e *fakeEngine) ResumeAfterValidation(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, resumeStep core.StepName, input []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumedStep = resumeStep
	e.resumedInput = input
}

func (e *fakeEngine) FailWaitingRun(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failedReasons = append(e.failedReasons, reason)
	return nil
}

type fakeReactivationSpawner struct {
	mu      sync.Mutex
	spawned int
	reason  string
}

func (s *fakeReactivationSpawner) SpawnFollowup(ctx context.Context, ticket *core.Ticket, parentRun *core.Run, reason string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned++
	s.reason = reason
	return nil
}

func newTestRendezvous(t *testing.T, maxRejections int) (*Rendezvous, *fakeValidations, *fakeRuns, *fakeTickets, *fakeEngine, *fakeReactivationSpawner, string) {
	t.Helper()
	validations := newFakeValidations()
	runs := &fakeRuns{byID: map[int64]*core.Run{1: {ID: 1, TicketID: 1, CurrentStatus: core.RunWaitingValidation}}}
	tickets := &fakeTickets{byID: map[int64]*core.Ticket{1: {ID: 1, ExternalID: "TCK-1", CurrentStatus: core.TicketAwaitingValidation}}}
	engine := &fakeEngine{}
	reactivation := &fakeReactivationSpawner{}
	clock := fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	v := &core.Validation{
		ExternalUUID:  "uuid-1",
		RunID:         1,
		StepID:        1,
		CurrentStatus: core.ValidationPending,
		ExpiresAt:     clock.now.Add(72 * time.Hour),
	}
	require.NoError(t, validations.Create(context.Background(), v))

	r := New(validations, runs, tickets, &fakeQueue{}, engine, reactivation, clock, Config{MaxRejections: maxRejections}, nil)
	return r, validations, runs, tickets, engine, reactivation, v.ExternalUUID
}

func TestRecordValidationResponseApprovedResumesAtMerge(t *testing.T) {
	r, validations, _, _, engine, _, uuid := newTestRendezvous(t, 3)

	err := r.RecordValidationResponse(context.Background(), uuid, Decision{Status: core.ValidationApproved, ValidatorID: "alice"})
	require.NoError(t, err)

	v, err := validations.GetByUUID(context.Background(), uuid)
	require.NoError(t, err)
	require.Equal(t, core.ValidationApproved, v.CurrentStatus)
	require.Equal(t, core.StepName("merge"), engine.resumedStep)
}

func TestRecordValidationResponseRejectedBelowLimitFailsRunOnly(t *testing.T) {
	r, validations, _, _, engine, reactivation, uuid := newTestRendezvous(t, 3)

	err := r.RecordValidationResponse(context.Background(), uuid, Decision{Status: core.ValidationRejected})
	require.NoError(t, err)

	v, err := validations.GetByUUID(context.Background(), uuid)
	require.NoError(t, err)
	require.Equal(t, core.ValidationRejected, v.CurrentStatus)
	require.Equal(t, []string{"validation_rejected"}, engine.failedReasons)
	require.Equal(t, 0, reactivation.spawned)
}

func TestRecordValidationResponseRejectedAtLimitAbandons(t *testing.T) {
	r, validations, _, _, engine, _, uuid := newTestRendezvous(t, 1)

	err := r.RecordValidationResponse(context.Background(), uuid, Decision{Status: core.ValidationRejected})
	require.NoError(t, err)

	v, err := validations.GetByUUID(context.Background(), uuid)
	require.NoError(t, err)
	require.Equal(t, core.ValidationAbandoned, v.CurrentStatus)
	require.Equal(t, []string{core.ReasonValidationAbandonedLimit}, engine.failedReasons)
}

func TestRecordValidationResponseChangesRequestedSpawnsFollowup(t *testing.T) {
	r, validations, _, _, engine, reactivation, uuid := newTestRendezvous(t, 3)

	err := r.RecordValidationResponse(context.Background(), uuid, Decision{Status: core.ValidationChangesRequested, Comments: "please adjust X"})
	require.NoError(t, err)

	v, err := validations.GetByUUID(context.Background(), uuid)
	require.NoError(t, err)
	require.Equal(t, core.ValidationChangesRequested, v.CurrentStatus)
	require.Equal(t, []string{core.ReasonChangesRequested}, engine.failedReasons)
	require.Equal(t, 1, reactivation.spawned)
	require.Equal(t, core.ReasonChangesRequested, reactivation.reason)
}

func TestRecordValidationResponseRejectsAlreadyResolved(t *testing.T) {
	r, _, _, _, _, _, uuid := newTestRendezvous(t, 3)

	require.NoError(t, r.RecordValidationResponse(context.Background(), uuid, Decision{Status: core.ValidationApproved}))
	err := r.RecordValidationResponse(context.Background(), uuid, Decision{Status: core.ValidationApproved})
	require.Error(t, err)
}

func TestRecordValidationResponseRejectsExpired(t *testing.T) {
	validations := newFakeValidations()
	runs := &fakeRuns{byID: map[int64]*core.Run{1: {ID: 1, TicketID: 1, CurrentStatus: core.RunWaitingValidation}}}
	tickets := &fakeTickets{byID: map[int64]*core.Ticket{1: {ID: 1, ExternalID: "TCK-1", CurrentStatus: core.TicketAwaitingValidation}}}
	clock := fakeClock{now: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)}

	v := &core.Validation{
		ExternalUUID:  "uuid-expired",
		RunID:         1,
		CurrentStatus: core.ValidationPending,
		ExpiresAt:     clock.now.Add(-time.Hour),
	}
	require.NoError(t, validations.Create(context.Background(), v))

	r := New(validations, runs, tickets, &fakeQueue{}, &fakeEngine{}, nil, clock, Config{}, nil)
	err := r.RecordValidationResponse(context.Background(), v.ExternalUUID, Decision{Status: core.ValidationApproved})
	require.Error(t, err)
	var expired *core.ErrValidationExpired
	require.ErrorAs(t, err, &expired)
}
