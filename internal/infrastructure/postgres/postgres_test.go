package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/registry"
)

const testSchema = `
CREATE TABLE tickets (
	id BIGSERIAL PRIMARY KEY,
	external_id VARCHAR(255) NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	repository_url TEXT NOT NULL DEFAULT '',
	current_status VARCHAR(50) NOT NULL,
	previous_status VARCHAR(50) NOT NULL,
	is_locked BOOLEAN NOT NULL DEFAULT false,
	locked_by VARCHAR(255) NOT NULL DEFAULT '',
	locked_at TIMESTAMPTZ,
	cooldown_until TIMESTAMPTZ,
	failed_reactivation_count INT NOT NULL DEFAULT 0,
	reactivation_count INT NOT NULL DEFAULT 0,
	last_run_id BIGINT,
	last_changed_by VARCHAR(255) NOT NULL DEFAULT '',
	last_change_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE TABLE queue_entries (
	id BIGSERIAL PRIMARY KEY,
	external_item_id VARCHAR(255) NOT NULL,
	payload BYTEA,
	priority INT NOT NULL DEFAULT 0,
	current_status VARCHAR(50) NOT NULL,
	is_reactivation BOOLEAN NOT NULL DEFAULT false,
	dispatch_handle VARCHAR(255) NOT NULL DEFAULT '',
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE TABLE status_types (
	id BIGSERIAL PRIMARY KEY,
	category VARCHAR(50) NOT NULL,
	name VARCHAR(50) NOT NULL,
	terminal BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE status_transitions (
	id BIGSERIAL PRIMARY KEY,
	category VARCHAR(50) NOT NULL,
	from_status VARCHAR(50) NOT NULL,
	to_status VARCHAR(50) NOT NULL
);

INSERT INTO status_types (category, name, terminal) VALUES
	('task', 'pending', false), ('task', 'processing', false), ('task', 'completed', true), ('task', 'failed', true),
	('queue', 'pending', false), ('queue', 'running', false), ('queue', 'completed', true), ('queue', 'failed', true);

INSERT INTO status_transitions (category, from_status, to_status) VALUES
	('task', 'pending', 'processing'), ('task', 'processing', 'completed'), ('task', 'processing', 'failed'),
	('queue', 'pending', 'running'), ('queue', 'running', 'completed'), ('queue', 'running', 'failed');
`

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("orchestrator_test"),
		tcpostgres.WithUsername("orchestrator"),
		tcpostgres.WithPassword("orchestrator"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, testSchema)
	require.NoError(t, err)

	reg, err := registry.New()
	require.NoError(t, err)
	require.NoError(t, reg.Load(ctx, (*registryStore)(&Store{Pool: pool})))

	return &Store{Pool: pool, Registry: reg}
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
