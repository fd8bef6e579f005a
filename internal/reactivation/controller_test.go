package reactivation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

type fakeAnalyzer struct {
	classification core.ReactivationClassification
}

func (a *fakeAnalyzer) Classify(ctx context.Context, ticket *core.Ticket, eventPayload []byte) (core.ReactivationClassification, error) {
	return a.classification, nil
}

type fakeLockChecker struct {
	mu       sync.Mutex
	cooling  bool
	refuse   bool
	acquired []string
}

func (l *fakeLockChecker) IsInCooldown(ctx context.Context, ticketID int64) (bool, error) {
	return l.cooling, nil
}

func (l *fakeLockChecker) AcquireLock(ctx context.Context, ticketID int64, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse {
		return &core.ErrLockRefused{TicketID: ticketID, HeldBy: "someone-else"}
	}
	l.acquired = append(l.acquired, holder)
	return nil
}

func (l *fakeLockChecker) ReleaseLock(ctx context.Context, ticketID int64, holder string) error {
	return nil
}

type fakeTicketsR struct {
	mu   sync.Mutex
	byID map[int64]*core.Ticket
}

func (f *fakeTicketsR) Create(ctx context.Context, t *core.Ticket) error { return nil }
func (f *fakeTicketsR) GetByID(ctx context.Context, id int64) (*core.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.byID[id]
	return &cp, nil
}
func (f *fakeTicketsR) GetByExternalID(ctx context.Context, externalID string) (*core.Ticket, error) {
	return nil, nil
}
func (f *fakeTicketsR) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, changedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.byID[id]
	if t.CurrentStatus != expectedFrom {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryTicket, EntityID: id, Expected: expectedFrom}
	}
	t.CurrentStatus = to
	return nil
}
func (f *fakeTicketsR) UpdateLastRunID(ctx context.Context, id int64, runID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].LastRunID = &runID
	return nil
}
func (f *fakeTicketsR) SnapshotPreviousStatus(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.byID[id]
	t.PreviousStatus = t.CurrentStatus
	return nil
}

type fakeRunsR struct {
	mu     sync.Mutex
	byID   map[int64]*core.Run
	nextID int64
}

func (f *fakeRunsR) Create(ctx context.Context, r *core.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = f.nextID
	cp := *r
	f.byID[r.ID] = &cp
	return nil
}
func (f *fakeRunsR) GetByID(ctx context.Context, id int64) (*core.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.byID[id]
	return &cp, nil
}
func (f *fakeRunsR) NextRunNumber(ctx context.Context, ticketID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, r := range f.byID {
		if r.TicketID == ticketID && r.RunNumber > max {
			max = r.RunNumber
		}
	}
	return max + 1, nil
}
func (f *fakeRunsR) ActiveRunForTicket(ctx context.Context, ticketID int64) (*core.Run, error) {
	return nil, nil
}
func (f *fakeRunsR) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, reason string) error {
	return nil
}
func (f *fakeRunsR) SetCurrentStep(ctx context.Context, id int64, stepName string) error { return nil }
func (f *fakeRunsR) SetProgress(ctx context.Context, id int64, percent int) error        { return nil }
func (f *fakeRunsR) ListRunningWithoutLiveDispatch(ctx context.Context) ([]*core.Run, error) {
	return nil, nil
}
func (f *fakeRunsR) WalkAncestry(ctx context.Context, runID int64, maxDepth int) ([]*core.Run, error) {
	var out []*core.Run
	cur, err := f.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	for depth := 0; cur != nil && depth < maxDepth; depth++ {
		out = append(out, cur)
		if cur.ParentRunID == nil {
			break
		}
		cur, err = f.GetByID(ctx, *cur.ParentRunID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

type fakeQueueR struct {
	mu      sync.Mutex
	entries []*core.QueueEntry
}

func (f *fakeQueueR) Insert(ctx context.Context, e *core.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}
func (f *fakeQueueR) ExistsForEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeQueueR) ClaimNext(ctx context.Context) (*core.QueueEntry, error) { return nil, nil }
func (f *fakeQueueR) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	return nil
}
func (f *fakeQueueR) SetDispatchHandle(ctx context.Context, id int64, handle string) error { return nil }
func (f *fakeQueueR) RunningPastDeadline(ctx context.Context, deadline time.Time) ([]*core.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueueR) ActiveForItem(ctx context.Context, externalItemID string) (*core.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueueR) GetByTicketExternalID(ctx context.Context, externalItemID string) ([]*core.QueueEntry, error) {
	return nil, nil
}

type fakeTriggers struct {
	mu   sync.Mutex
	rows []*core.ReactivationTrigger
}

func (f *fakeTriggers) Create(ctx context.Context, t *core.ReactivationTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, t)
	return nil
}
func (f *fakeTriggers) ListForTicket(ctx context.Context, ticketID int64) ([]*core.ReactivationTrigger, error) {
	return nil, nil
}

func TestHandleReopenSpawnsChildRun(t *testing.T) {
	tickets := &fakeTicketsR{byID: map[int64]*core.Ticket{1: {ID: 1, ExternalID: "TCK-1", CurrentStatus: core.TicketCompleted}}}
	runs := &fakeRunsR{byID: map[int64]*core.Run{}}
	queue := &fakeQueueR{}
	triggers := &fakeTriggers{}
	lock := &fakeLockChecker{}
	analyzer := &fakeAnalyzer{classification: core.ClassificationReopenWithNewRequirement}

	c := New(tickets, runs, queue, triggers, lock, analyzer, Config{MaxReactivationDepth: 20}, nil)

	err := c.Handle(context.Background(), tickets.byID[1], []byte("new requirement"))
	require.NoError(t, err)

	require.Len(t, queue.entries, 1)
	require.True(t, queue.entries[0].IsReactivation)
	require.Equal(t, core.TicketProcessing, tickets.byID[1].CurrentStatus)
	require.Len(t, triggers.rows, 1)
	require.Equal(t, "spawned", triggers.rows[0].Action)
}

func TestHandleReopenSkipsOnCooldown(t *testing.T) {
	tickets := &fakeTicketsR{byID: map[int64]*core.Ticket{1: {ID: 1, ExternalID: "TCK-1", CurrentStatus: core.TicketCompleted}}}
	runs := &fakeRunsR{byID: map[int64]*core.Run{}}
	queue := &fakeQueueR{}
	triggers := &fakeTriggers{}
	lock := &fakeLockChecker{cooling: true}
	analyzer := &fakeAnalyzer{classification: core.ClassificationReopenWithNewRequirement}

	c := New(tickets, runs, queue, triggers, lock, analyzer, Config{}, nil)

	err := c.Handle(context.Background(), tickets.byID[1], nil)
	require.Error(t, err)
	require.Empty(t, queue.entries)
	require.Len(t, triggers.rows, 1)
	require.Equal(t, "skipped_cooldown", triggers.rows[0].Action)
}

func TestHandleReopenSkipsWhenLocked(t *testing.T) {
	tickets := &fakeTicketsR{byID: map[int64]*core.Ticket{1: {ID: 1, ExternalID: "TCK-1", CurrentStatus: core.TicketCompleted}}}
	runs := &fakeRunsR{byID: map[int64]*core.Run{}}
	queue := &fakeQueueR{}
	triggers := &fakeTriggers{}
	lock := &fakeLockChecker{refuse: true}
	analyzer := &fakeAnalyzer{classification: core.ClassificationReopenWithNewRequirement}

	c := New(tickets, runs, queue, triggers, lock, analyzer, Config{}, nil)

	err := c.Handle(context.Background(), tickets.byID[1], nil)
	require.Error(t, err)
	require.Len(t, triggers.rows, 1)
	require.Equal(t, "skipped_locked", triggers.rows[0].Action)
}

func TestHandleReopenRespectsDepthLimit(t *testing.T) {
	tickets := &fakeTicketsR{byID: map[int64]*core.Ticket{1: {ID: 1, ExternalID: "TCK-1", CurrentStatus: core.TicketCompleted}}}
	parentRunID := int64(5)
	tickets.byID[1].LastRunID = &parentRunID
	runs := &fakeRunsR{byID: map[int64]*core.Run{5: {ID: 5, TicketID: 1, ReactivationCount: 20}}, nextID: 5}
	queue := &fakeQueueR{}
	triggers := &fakeTriggers{}
	lock := &fakeLockChecker{}
	analyzer := &fakeAnalyzer{classification: core.ClassificationReopenWithNewRequirement}

	c := New(tickets, runs, queue, triggers, lock, analyzer, Config{MaxReactivationDepth: 20}, nil)

	err := c.Handle(context.Background(), tickets.byID[1], nil)
	require.Error(t, err)
	var depthErr *core.ErrReactivationDepthExceeded
	require.ErrorAs(t, err, &depthErr)
	require.Empty(t, queue.entries)
	require.Equal(t, "reactivation_depth_exceeded", triggers.rows[0].Action)
}

func TestHandleIgnoreAndAnswerQuestionAreNoops(t *testing.T) {
	tickets := &fakeTicketsR{byID: map[int64]*core.Ticket{1: {ID: 1, ExternalID: "TCK-1", CurrentStatus: core.TicketCompleted}}}
	runs := &fakeRunsR{byID: map[int64]*core.Run{}}
	queue := &fakeQueueR{}
	triggers := &fakeTriggers{}
	lock := &fakeLockChecker{}

	for _, classification := range []core.ReactivationClassification{core.ClassificationIgnore, core.ClassificationAnswerQuestion} {
		analyzer := &fakeAnalyzer{classification: classification}
		c := New(tickets, runs, queue, triggers, lock, analyzer, Config{}, nil)
		require.NoError(t, c.Handle(context.Background(), tickets.byID[1], nil))
	}
	require.Empty(t, queue.entries)
	require.Empty(t, triggers.rows)
}
