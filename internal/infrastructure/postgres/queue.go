package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// QueueRepo implements core.QueueRepository over Postgres.
type QueueRepo struct {
	db *Store
}

var _ core.QueueRepository = (*QueueRepo)(nil)

const queueColumns = `id, external_item_id, payload, priority, current_status, is_reactivation,
		dispatch_handle, enqueued_at, started_at, completed_at, created_at, updated_at, deleted_at`

func (r *QueueRepo) scanEntry(row pgx.Row) (*core.QueueEntry, error) {
	e := &core.QueueEntry{}
	err := row.Scan(
		&e.ID, &e.ExternalItemID, &e.Payload, &e.Priority, &e.CurrentStatus, &e.IsReactivation,
		&e.DispatchHandle, &e.EnqueuedAt, &e.StartedAt, &e.CompletedAt,
		&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (r *QueueRepo) Insert(ctx context.Context, e *core.QueueEntry) error {
	const q = `
		INSERT INTO queue_entries (external_item_id, payload, priority, current_status, is_reactivation, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, enqueued_at, created_at, updated_at`
	if e.CurrentStatus == "" {
		e.CurrentStatus = core.QueuePending
	}
	err := r.db.Pool.QueryRow(ctx, q, e.ExternalItemID, e.Payload, e.Priority, e.CurrentStatus, e.IsReactivation).
		Scan(&e.ID, &e.EnqueuedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert queue entry: %w", err)
	}
	return nil
}

func (r *QueueRepo) ExistsForEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM queue_entries
			WHERE external_item_id = $1 AND enqueued_at > now() - $2::interval
		)`, eventID, window.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check queue entry exists for event %s: %w", eventID, err)
	}
	return exists, nil
}

// ClaimNext selects the highest-priority pending entry (oldest first among
// equal priorities) of an item with no running/waiting_validation entry of
// its own, using FOR UPDATE SKIP LOCKED to let concurrent dispatchers race
// safely across distinct items.
func (r *QueueRepo) ClaimNext(ctx context.Context) (*core.QueueEntry, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+queueColumns+` FROM queue_entries q
		WHERE q.current_status = 'pending' AND q.deleted_at IS NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM queue_entries busy
		      WHERE busy.external_item_id = q.external_item_id
		        AND busy.current_status IN ('running', 'waiting_validation')
		        AND busy.deleted_at IS NULL
		  )
		ORDER BY q.priority DESC, q.enqueued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	entry, err := r.scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim next queue entry: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE queue_entries SET current_status = 'running', started_at = now(), updated_at = now()
		WHERE id = $1 AND current_status = 'pending'`, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("postgres: mark claimed entry running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit claim tx: %w", err)
	}

	entry.CurrentStatus = core.QueueRunning
	return entry, nil
}

func (r *QueueRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryQueue, expectedFrom, to); err != nil {
		return err
	}
	completedAtClause := ""
	if core.TerminalStatuses[to] {
		completedAtClause = ", completed_at = now()"
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE queue_entries SET current_status = $1, updated_at = now()`+completedAtClause+`
		WHERE id = $2 AND current_status = $3 AND deleted_at IS NULL`,
		to, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("postgres: update queue entry status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryQueue, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *QueueRepo) SetDispatchHandle(ctx context.Context, id int64, handle string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE queue_entries SET dispatch_handle = $1, updated_at = now() WHERE id = $2`, handle, id)
	if err != nil {
		return fmt.Errorf("postgres: set queue entry dispatch handle: %w", err)
	}
	return nil
}

func (r *QueueRepo) RunningPastDeadline(ctx context.Context, deadline time.Time) ([]*core.QueueEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+queueColumns+` FROM queue_entries
		WHERE current_status = 'running' AND started_at < $1 AND deleted_at IS NULL`, deadline)
	if err != nil {
		return nil, fmt.Errorf("postgres: list queue entries past deadline: %w", err)
	}
	defer rows.Close()

	var out []*core.QueueEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan overdue queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *QueueRepo) ActiveForItem(ctx context.Context, externalItemID string) (*core.QueueEntry, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_entries
		WHERE external_item_id = $1 AND current_status IN ('pending', 'running', 'waiting_validation')
		  AND deleted_at IS NULL
		ORDER BY enqueued_at DESC LIMIT 1`, externalItemID)
	e, err := r.scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: active queue entry for item %s: %w", externalItemID, err)
	}
	return e, nil
}

func (r *QueueRepo) GetByTicketExternalID(ctx context.Context, externalItemID string) ([]*core.QueueEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+queueColumns+` FROM queue_entries
		WHERE external_item_id = $1 AND deleted_at IS NULL
		ORDER BY enqueued_at DESC`, externalItemID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list queue entries for item %s: %w", externalItemID, err)
	}
	defer rows.Close()

	var out []*core.QueueEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan queue entry for item: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
