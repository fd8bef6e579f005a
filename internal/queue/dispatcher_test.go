package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

type fakeQueueRepo struct {
	pending        []*core.QueueEntry
	statusByID     map[int64]string
	handleByID     map[int64]string
	pastDeadline   []*core.QueueEntry
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{
		statusByID: map[int64]string{},
		handleByID: map[int64]string{},
	}
}

func (f *fakeQueueRepo) Insert(ctx context.Context, e *core.QueueEntry) error { return nil }

func (f *fakeQueueRepo) ExistsForEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeQueueRepo) ClaimNext(ctx context.Context) (*core.QueueEntry, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	entry := f.pending[0]
	f.pending = f.pending[1:]
	f.statusByID[entry.ID] = core.QueueRunning
	return entry, nil
}

func (f *fakeQueueRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	if f.statusByID[id] != expectedFrom {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryQueue, EntityID: id, Expected: expectedFrom}
	}
	f.statusByID[id] = to
	return nil
}

func (f *fakeQueueRepo) SetDispatchHandle(ctx context.Context, id int64, handle string) error {
	f.handleByID[id] = handle
	return nil
}

func (f *fakeQueueRepo) RunningPastDeadline(ctx context.Context, deadline time.Time) ([]*core.QueueEntry, error) {
	return f.pastDeadline, nil
}

func (f *fakeQueueRepo) ActiveForItem(ctx context.Context, externalItemID string) (*core.QueueEntry, error) {
	return nil, nil
}

func (f *fakeQueueRepo) GetByTicketExternalID(ctx context.Context, externalItemID string) ([]*core.QueueEntry, error) {
	return nil, nil
}

type fakeRunStarter struct {
	started []*core.QueueEntry
}

func (f *fakeRunStarter) StartRun(ctx context.Context, entry *core.QueueEntry) error {
	f.started = append(f.started, entry)
	return nil
}

type fakeAllocator struct{}

func (fakeAllocator) AllocateHandle(ctx context.Context, entry *core.QueueEntry) (string, error) {
	return "handle-" + entry.ExternalItemID, nil
}

func TestDispatcherDispatchesClaimedEntry(t *testing.T) {
	repo := newFakeQueueRepo()
	entry := &core.QueueEntry{ID: 1, ExternalItemID: "TICKET-1", CurrentStatus: core.QueuePending}
	repo.pending = []*core.QueueEntry{entry}
	repo.statusByID[1] = core.QueuePending

	starter := &fakeRunStarter{}
	d := NewDispatcher(repo, starter, fakeAllocator{}, Config{}, nil)

	d.pollOnce(context.Background())

	require.Len(t, starter.started, 1)
	require.Equal(t, core.QueueRunning, repo.statusByID[1])
	require.Equal(t, "handle-TICKET-1", repo.handleByID[1])
}

func TestDispatcherNoEntriesIsNoop(t *testing.T) {
	repo := newFakeQueueRepo()
	starter := &fakeRunStarter{}
	d := NewDispatcher(repo, starter, fakeAllocator{}, Config{}, nil)

	d.pollOnce(context.Background())

	require.Empty(t, starter.started)
}

type fakeRunCanceller struct {
	failed []*core.QueueEntry
}

func (f *fakeRunCanceller) FailRunForQueueTimeout(ctx context.Context, entry *core.QueueEntry) error {
	f.failed = append(f.failed, entry)
	return nil
}

func TestTimeoutSweeperFailsPastDeadlineEntries(t *testing.T) {
	repo := newFakeQueueRepo()
	entry := &core.QueueEntry{ID: 5, ExternalItemID: "TICKET-5"}
	repo.pastDeadline = []*core.QueueEntry{entry}
	repo.statusByID[5] = core.QueueRunning

	canceller := &fakeRunCanceller{}
	sweeper := NewTimeoutSweeper(repo, core.SystemClock{}, canceller, time.Hour, time.Minute, nil)

	sweeper.RunOnce(context.Background())

	require.Equal(t, core.QueueTimeout, repo.statusByID[5])
	require.Len(t, canceller.failed, 1)
}
