package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

type fakeTickets struct {
	mu      sync.Mutex
	byID    map[int64]*core.Ticket
	byExtID map[string]*core.Ticket
	nextID  int64
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{byID: map[int64]*core.Ticket{}, byExtID: map[string]*core.Ticket{}}
}

func (f *fakeTickets) seed(t *core.Ticket) {
	f.nextID++
	t.ID = f.nextID
	f.byID[t.ID] = t
	f.byExtID[t.ExternalID] = t
}

func (f *fakeTickets) Create(ctx context.Context, t *core.Ticket) error { f.seed(t); return nil }
func (f *fakeTickets) GetByID(ctx context.Context, id int64) (*core.Ticket, error) {
	return f.byID[id], nil
}
func (f *fakeTickets) GetByExternalID(ctx context.Context, externalID string) (*core.Ticket, error) {
	return f.byExtID[externalID], nil
}
func (f *fakeTickets) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, changedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk := f.byID[id]
	if tk.CurrentStatus != expectedFrom {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryTicket, EntityID: id, Expected: expectedFrom}
	}
	tk.PreviousStatus = tk.CurrentStatus
	tk.CurrentStatus = to
	return nil
}
func (f *fakeTickets) UpdateLastRunID(ctx context.Context, id int64, runID int64) error {
	f.byID[id].LastRunID = &runID
	return nil
}
func (f *fakeTickets) SnapshotPreviousStatus(ctx context.Context, id int64) error { return nil }

type fakeRuns struct {
	mu     sync.Mutex
	byID   map[int64]*core.Run
	nextID int64
}

func newFakeRuns() *fakeRuns { return &fakeRuns{byID: map[int64]*core.Run{}} }

func (f *fakeRuns) Create(ctx context.Context, r *core.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = f.nextID
	f.byID[r.ID] = r
	return nil
}
func (f *fakeRuns) GetByID(ctx context.Context, id int64) (*core.Run, error) { return f.byID[id], nil }
func (f *fakeRuns) NextRunNumber(ctx context.Context, ticketID int64) (int, error) {
	n := 0
	for _, r := range f.byID {
		if r.TicketID == ticketID && r.RunNumber > n {
			n = r.RunNumber
		}
	}
	return n + 1, nil
}
func (f *fakeRuns) ActiveRunForTicket(ctx context.Context, ticketID int64) (*core.Run, error) {
	for _, r := range f.byID {
		if r.TicketID == ticketID && !core.TerminalStatuses[r.CurrentStatus] {
			return r, nil
		}
	}
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
func (f *fakeRuns) SetCurrentStep(ctx context.Context, id int64, stepName string) error {
	f.byID[id].CurrentStepName = stepName
	return nil
}
func (f *fakeRuns) SetProgress(ctx context.Context, id int64, percent int) error {
	f.byID[id].ProgressPercentage = percent
	return nil
}
func (f *fakeRuns) ListRunningWithoutLiveDispatch(ctx context.Context) ([]*core.Run, error) {
	return nil, nil
}
func (f *fakeRuns) WalkAncestry(ctx context.Context, runID int64, maxDepth int) ([]*core.Run, error) {
	return nil, nil
}

type fakeSteps struct {
	mu     sync.Mutex
	byID   map[int64]*core.Step
	nextID int64
}

func newFakeSteps() *fakeSteps { return &fakeSteps{byID: map[int64]*core.Step{}} }

func (f *fakeSteps) Create(ctx context.Context, s *core.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = f.nextID
	f.byID[s.ID] = s
	return nil
}
func (f *fakeSteps) GetByID(ctx context.Context, id int64) (*core.Step, error) { return f.byID[id], nil }
func (f *fakeSteps) GetByRunAndName(ctx context.Context, runID int64, name string) (*core.Step, error) {
	for _, s := range f.byID {
		if s.RunID == runID && s.StepName == name {
			return s, nil
		}
	}
	return nil, nil
}
func (f *fakeSteps) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.byID[id]
	if s.CurrentStatus != expectedFrom {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryStep, EntityID: id, Expected: expectedFrom}
	}
	s.CurrentStatus = to
	return nil
}
func (f *fakeSteps) SetCheckpoint(ctx context.Context, id int64, checkpoint []byte, resumable bool) error {
	s := f.byID[id]
	s.CheckpointData = checkpoint
	s.Resumable = resumable
	return nil
}
func (f *fakeSteps) SetOutput(ctx context.Context, id int64, output []byte) error {
	f.byID[id].OutputData = output
	return nil
}
func (f *fakeSteps) IncrementRetry(ctx context.Context, id int64) (int, error) {
	f.byID[id].RetryCount++
	return f.byID[id].RetryCount, nil
}
func (f *fakeSteps) LatestCheckpoint(ctx context.Context, runID int64, stepName string) ([]byte, error) {
	s, _ := f.GetByRunAndName(ctx, runID, stepName)
	if s == nil {
		return nil, nil
	}
	return s.CheckpointData, nil
}

type fakeValidations struct {
	mu      sync.Mutex
	byUUID  map[string]*core.Validation
	created []*core.Validation
}

func newFakeValidations() *fakeValidations {
	return &fakeValidations{byUUID: map[string]*core.Validation{}}
}
func (f *fakeValidations) Create(ctx context.Context, v *core.Validation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v.ID = int64(len(f.created) + 1)
	f.byUUID[v.ExternalUUID] = v
	f.created = append(f.created, v)
	return nil
}
func (f *fakeValidations) GetByUUID(ctx context.Context, uuid string) (*core.Validation, error) {
	return f.byUUID[uuid], nil
}
func (f *fakeValidations) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	return nil
}
func (f *fakeValidations) IncrementRejectionCount(ctx context.Context, id int64) (int, error) {
	return 0, nil
}
func (f *fakeValidations) PendingForRun(ctx context.Context, runID int64) (*core.Validation, error) {
	return nil, nil
}
func (f *fakeValidations) ExpiredPending(ctx context.Context, asOf time.Time) ([]*core.Validation, error) {
	return nil, nil
}
func (f *fakeValidations) CreateResponse(ctx context.Context, resp *core.ValidationResponse) error {
	return nil
}
func (f *fakeValidations) ResponseExists(ctx context.Context, validationID int64) (bool, error) {
	return false, nil
}

type fakeFailures struct {
	created []*core.RunFailure
}

func (f *fakeFailures) Create(ctx context.Context, rf *core.RunFailure) error {
	f.created = append(f.created, rf)
	return nil
}
func (f *fakeFailures) ListForRun(ctx context.Context, runID int64) ([]*core.RunFailure, error) {
	return nil, nil
}

type fakeLock struct {
	mu       sync.Mutex
	held     map[int64]string
	failures map[int64]int
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: map[int64]string{}, failures: map[int64]int{}}
}
func (f *fakeLock) AcquireLock(ctx context.Context, ticketID int64, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.held[ticketID]; ok && existing != holder {
		return &core.ErrLockRefused{TicketID: ticketID, HeldBy: existing}
	}
	f.held[ticketID] = holder
	return nil
}
func (f *fakeLock) ReleaseLock(ctx context.Context, ticketID int64, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, ticketID)
	return nil
}
func (f *fakeLock) RecordReactivationFailure(ctx context.Context, ticketID int64) error {
	f.failures[ticketID]++
	return nil
}
func (f *fakeLock) RecordReactivationSuccess(ctx context.Context, ticketID int64) error {
	f.failures[ticketID] = 0
	return nil
}

type fakeQueueCompleter struct {
	mu        sync.Mutex
	completed []*core.QueueEntry
}

func (f *fakeQueueCompleter) Complete(ctx context.Context, entry *core.QueueEntry, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.CurrentStatus = to
	f.completed = append(f.completed, entry)
	return nil
}

func (f *fakeQueueCompleter) Suspend(ctx context.Context, entry *core.QueueEntry, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.CurrentStatus = to
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []core.RunCompletedNotice
	pending   []core.ValidationPendingNotice
}

func (f *fakeNotifier) NotifyValidationPending(ctx context.Context, n core.ValidationPendingNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, n)
	return nil
}
func (f *fakeNotifier) NotifyRunCompleted(ctx context.Context, n core.RunCompletedNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, n)
	return nil
}

func alwaysCompleteHandler() core.StepHandlerFunc {
	return func(ctx context.Context, runID, stepID int64, input, checkpoint []byte) (core.StepResult, error) {
		return core.Completed(input), nil
	}
}

func suspendHandler() core.StepHandlerFunc {
	return func(ctx context.Context, runID, stepID int64, input, checkpoint []byte) (core.StepResult, error) {
		return core.Suspend([]byte("pending human review"), true), nil
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeTickets, *fakeRuns, *fakeSteps, *fakeQueueCompleter, *fakeNotifier) {
	t.Helper()
	tickets := newFakeTickets()
	runs := newFakeRuns()
	steps := newFakeSteps()
	validations := newFakeValidations()
	failures := &fakeFailures{}
	lockMgr := newFakeLock()
	queueDone := &fakeQueueCompleter{}
	notifier := &fakeNotifier{}

	e := New(tickets, runs, steps, validations, failures, lockMgr, queueDone, notifier, core.SystemClock{}, Config{
		StepRetryBackoffBase: time.Millisecond,
	}, nil)

	for _, name := range core.CanonicalSteps {
		if name == "await_validation" {
			continue
		}
		e.RegisterHandler(name, alwaysCompleteHandler())
	}
	e.RegisterHandler("await_validation", suspendHandler())

	return e, tickets, runs, steps, queueDone, notifier
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEngineRunsUntilValidationSuspend(t *testing.T) {
	e, tickets, runs, _, queueDone, notifier := newTestEngine(t)

	ticket := &core.Ticket{ExternalID: "TICKET-1", CurrentStatus: core.TicketPending}
	tickets.seed(ticket)

	entry := &core.QueueEntry{ID: 1, ExternalItemID: ticket.ExternalID, CurrentStatus: core.QueueRunning, Payload: []byte("seed")}

	require.NoError(t, e.StartRun(context.Background(), entry))

	waitFor(t, func() bool { return len(notifier.pending) == 1 })

	var run *core.Run
	for _, r := range runs.byID {
		run = r
	}
	require.NotNil(t, run)
	require.Equal(t, core.RunWaitingValidation, run.CurrentStatus)
	require.Equal(t, core.TicketAwaitingValidation, tickets.byID[ticket.ID].CurrentStatus)
	require.Empty(t, queueDone.completed, "queue entry should not complete until validation resolves")
}

func TestEngineCompletesRunWithoutValidationStep(t *testing.T) {
	e, tickets, runs, _, queueDone, notifier := newTestEngine(t)
	e.RegisterHandler("await_validation", alwaysCompleteHandler())

	ticket := &core.Ticket{ExternalID: "TICKET-2", CurrentStatus: core.TicketPending}
	tickets.seed(ticket)
	entry := &core.QueueEntry{ID: 2, ExternalItemID: ticket.ExternalID, CurrentStatus: core.QueueRunning}

	require.NoError(t, e.StartRun(context.Background(), entry))

	waitFor(t, func() bool { return len(queueDone.completed) == 1 })

	var run *core.Run
	for _, r := range runs.byID {
		run = r
	}
	require.Equal(t, core.RunCompleted, run.CurrentStatus)
	require.Equal(t, core.TicketCompleted, tickets.byID[ticket.ID].CurrentStatus)
	require.Equal(t, 100, run.ProgressPercentage)
	require.Len(t, notifier.completed, 1)
}

func TestEngineRetriesThenFailsStep(t *testing.T) {
	e, tickets, runs, steps, queueDone, _ := newTestEngine(t)

	calls := 0
	e.RegisterHandler("prepare", core.StepHandlerFunc(func(ctx context.Context, runID, stepID int64, input, checkpoint []byte) (core.StepResult, error) {
		calls++
		return core.Retry("transient failure"), nil
	}))

	ticket := &core.Ticket{ExternalID: "TICKET-3", CurrentStatus: core.TicketPending}
	tickets.seed(ticket)
	entry := &core.QueueEntry{ID: 3, ExternalItemID: ticket.ExternalID, CurrentStatus: core.QueueRunning}

	require.NoError(t, e.StartRun(context.Background(), entry))

	waitFor(t, func() bool { return len(queueDone.completed) == 1 })

	require.Equal(t, 3, calls, "should retry up to max_retries before failing")

	var run *core.Run
	for _, r := range runs.byID {
		run = r
	}
	require.Equal(t, core.RunFailed, run.CurrentStatus)
	require.Equal(t, core.TicketFailed, tickets.byID[ticket.ID].CurrentStatus)

	for _, s := range steps.byID {
		if s.StepName == "prepare" {
			require.Equal(t, core.StepFailed, s.CurrentStatus)
		}
	}
}
