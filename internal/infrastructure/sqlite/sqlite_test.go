package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/registry"
)

const testSchema = `
CREATE TABLE tickets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	repository_url TEXT NOT NULL DEFAULT '',
	current_status TEXT NOT NULL,
	previous_status TEXT NOT NULL,
	is_locked INTEGER NOT NULL DEFAULT 0,
	locked_by TEXT NOT NULL DEFAULT '',
	locked_at TIMESTAMP,
	cooldown_until TIMESTAMP,
	failed_reactivation_count INTEGER NOT NULL DEFAULT 0,
	reactivation_count INTEGER NOT NULL DEFAULT 0,
	last_run_id INTEGER,
	last_changed_by TEXT NOT NULL DEFAULT '',
	last_change_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at TIMESTAMP
);

CREATE TABLE queue_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_item_id TEXT NOT NULL,
	payload BLOB,
	priority INTEGER NOT NULL DEFAULT 0,
	current_status TEXT NOT NULL,
	is_reactivation INTEGER NOT NULL DEFAULT 0,
	dispatch_handle TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at TIMESTAMP
);

CREATE TABLE status_types (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	terminal INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE status_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL
);

INSERT INTO status_types (category, name, terminal) VALUES
	('task', 'pending', 0), ('task', 'processing', 0), ('task', 'completed', 1), ('task', 'failed', 1),
	('queue', 'pending', 0), ('queue', 'running', 0), ('queue', 'completed', 1), ('queue', 'failed', 1);

INSERT INTO status_transitions (category, from_status, to_status) VALUES
	('task', 'pending', 'processing'), ('task', 'processing', 'completed'), ('task', 'processing', 'failed'),
	('queue', 'pending', 'running'), ('queue', 'running', 'completed'), ('queue', 'running', 'failed');
`

// setupTestStore builds a Store against an in-memory database, creating the
// test schema before loading the Status Registry (Connect loads the registry
// immediately on open, which assumes the schema already exists in a real
// deployment; tests need the schema created first instead).
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, testSchema)
	require.NoError(t, err)

	reg, err := registry.New()
	require.NoError(t, err)

	store := &Store{db: db, Registry: reg, logger: logger}
	require.NoError(t, reg.Load(ctx, (*registryStore)(store)))

	return store
}

func TestTicketCreateAndCompareAndUpdateStatus(t *testing.T) {
	store := setupTestStore(t)
	tickets := store.Tickets()
	ctx := context.Background()

	ticket := &core.Ticket{ExternalID: "TCK-1", Title: "fix bug", CurrentStatus: core.TicketPending}
	require.NoError(t, tickets.Create(ctx, ticket))
	require.NotZero(t, ticket.ID)

	require.NoError(t, tickets.CompareAndUpdateStatus(ctx, ticket.ID, core.TicketPending, core.TicketProcessing, "engine", "started"))

	got, err := tickets.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	require.Equal(t, core.TicketProcessing, got.CurrentStatus)
}

func TestTicketCompareAndUpdateStatusRejectsStaleExpectedFrom(t *testing.T) {
	store := setupTestStore(t)
	tickets := store.Tickets()
	ctx := context.Background()

	ticket := &core.Ticket{ExternalID: "TCK-2", CurrentStatus: core.TicketPending}
	require.NoError(t, tickets.Create(ctx, ticket))
	require.NoError(t, tickets.CompareAndUpdateStatus(ctx, ticket.ID, core.TicketPending, core.TicketProcessing, "engine", "started"))

	err := tickets.CompareAndUpdateStatus(ctx, ticket.ID, core.TicketPending, core.TicketProcessing, "engine", "retry")
	require.Error(t, err)
	var concurrent *core.ErrConcurrentStatusChange
	require.ErrorAs(t, err, &concurrent)
}

func TestQueueClaimNextSkipsBusyItemsAndHonorsPriority(t *testing.T) {
	store := setupTestStore(t)
	queue := store.Queue()
	ctx := context.Background()

	require.NoError(t, queue.Insert(ctx, &core.QueueEntry{ExternalItemID: "TCK-A", Priority: 1}))
	require.NoError(t, queue.Insert(ctx, &core.QueueEntry{ExternalItemID: "TCK-B", Priority: 5}))

	claimed, err := queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "TCK-B", claimed.ExternalItemID)
	require.Equal(t, core.QueueRunning, claimed.CurrentStatus)

	// TCK-B now has a running entry; a second pending entry for it must not
	// be claimable until the running one completes.
	require.NoError(t, queue.Insert(ctx, &core.QueueEntry{ExternalItemID: "TCK-B", Priority: 5}))
	next, err := queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, "TCK-A", next.ExternalItemID)
}

func TestLockRepoAcquireReleaseAndSweepStale(t *testing.T) {
	store := setupTestStore(t)
	tickets := store.Tickets()
	locks := store.Locks()
	ctx := context.Background()

	ticket := &core.Ticket{ExternalID: "TCK-3", CurrentStatus: core.TicketPending}
	require.NoError(t, tickets.Create(ctx, ticket))

	now := time.Now()
	ok, err := locks.AcquireLock(ctx, ticket.ID, "worker-1", time.Minute, now)
	require.NoError(t, err)
	require.True(t, ok)

	// A second holder must not acquire while the lock is fresh.
	ok, err = locks.AcquireLock(ctx, ticket.ID, "worker-2", time.Minute, now)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, locks.ReleaseLock(ctx, ticket.ID, "worker-1"))
	ok, err = locks.AcquireLock(ctx, ticket.ID, "worker-2", time.Minute, now)
	require.NoError(t, err)
	require.True(t, ok)

	stalePast := now.Add(2 * time.Minute)
	released, err := locks.SweepStale(ctx, time.Minute, stalePast)
	require.NoError(t, err)
	require.Equal(t, []int64{ticket.ID}, released)
}
