package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// QueueRepo implements core.QueueRepository over SQLite.
//
// ClaimNext cannot use Postgres's FOR UPDATE SKIP LOCKED: SQLite has no
// row-level locking. Instead it relies on the single writer connection
// (Store.Connect sets SetMaxOpenConns(1)) to serialize the select-then-update
// inside one transaction, which is sufficient since no other connection can
// interleave a write between them.
type QueueRepo struct {
	db *Store
}

var _ core.QueueRepository = (*QueueRepo)(nil)

const sqliteQueueColumns = `id, external_item_id, payload, priority, current_status, is_reactivation,
		dispatch_handle, enqueued_at, started_at, completed_at, created_at, updated_at, deleted_at`

func (r *QueueRepo) scanEntry(row rowScanner) (*core.QueueEntry, error) {
	e := &core.QueueEntry{}
	var isReactivation int
	err := row.Scan(
		&e.ID, &e.ExternalItemID, &e.Payload, &e.Priority, &e.CurrentStatus, &isReactivation,
		&e.DispatchHandle, &e.EnqueuedAt, &e.StartedAt, &e.CompletedAt,
		&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.IsReactivation = isReactivation != 0
	return e, nil
}

func (r *QueueRepo) Insert(ctx context.Context, e *core.QueueEntry) error {
	if e.CurrentStatus == "" {
		e.CurrentStatus = core.QueuePending
	}
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO queue_entries (external_item_id, payload, priority, current_status, is_reactivation, enqueued_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		e.ExternalItemID, e.Payload, e.Priority, e.CurrentStatus, e.IsReactivation)
	if err != nil {
		return fmt.Errorf("sqlite: insert queue entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: insert queue entry last insert id: %w", err)
	}
	got, err := r.getByID(ctx, id)
	if err != nil {
		return err
	}
	*e = *got
	return nil
}

func (r *QueueRepo) getByID(ctx context.Context, id int64) (*core.QueueEntry, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteQueueColumns+` FROM queue_entries WHERE id = ? AND deleted_at IS NULL`, id)
	e, err := r.scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get queue entry %d: %w", id, err)
	}
	return e, nil
}

func (r *QueueRepo) ExistsForEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	cutoff := time.Now().Add(-window)
	var exists int
	err := r.db.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_entries WHERE external_item_id = ? AND enqueued_at > ?)`,
		eventID, cutoff,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: check queue entry exists for event %s: %w", eventID, err)
	}
	return exists != 0, nil
}

// ClaimNext selects the highest-priority, oldest pending entry whose item has
// no other entry currently running or waiting on validation, and marks it running.
func (r *QueueRepo) ClaimNext(ctx context.Context) (*core.QueueEntry, error) {
	tx, err := r.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim next begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+sqliteQueueColumns+` FROM queue_entries q
		WHERE current_status = 'pending'
		  AND deleted_at IS NULL
		  AND NOT EXISTS (
		      SELECT 1 FROM queue_entries busy
		      WHERE busy.external_item_id = q.external_item_id
		        AND busy.current_status IN ('running', 'waiting_validation')
		        AND busy.deleted_at IS NULL
		  )
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT 1`)

	entry, err := r.scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim next select: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET current_status = 'running', started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND current_status = 'pending'`, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim next update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim next rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: claim next commit: %w", err)
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
		completedAtClause = ", completed_at = CURRENT_TIMESTAMP"
	}
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE queue_entries SET current_status = ?, updated_at = CURRENT_TIMESTAMP`+completedAtClause+`
		WHERE id = ? AND current_status = ? AND deleted_at IS NULL`,
		to, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("sqlite: update queue entry status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryQueue, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *QueueRepo) SetDispatchHandle(ctx context.Context, id int64, handle string) error {
	_, err := r.db.db.ExecContext(ctx, `UPDATE queue_entries SET dispatch_handle = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, handle, id)
	if err != nil {
		return fmt.Errorf("sqlite: set queue entry dispatch handle: %w", err)
	}
	return nil
}

func (r *QueueRepo) RunningPastDeadline(ctx context.Context, deadline time.Time) ([]*core.QueueEntry, error) {
	rows, err := r.db.db.QueryContext(ctx, `SELECT `+sqliteQueueColumns+` FROM queue_entries
		WHERE current_status = 'running' AND started_at < ? AND deleted_at IS NULL`, deadline)
	if err != nil {
		return nil, fmt.Errorf("sqlite: running past deadline: %w", err)
	}
	defer rows.Close()

	var out []*core.QueueEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan running past deadline entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *QueueRepo) ActiveForItem(ctx context.Context, externalItemID string) (*core.QueueEntry, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteQueueColumns+` FROM queue_entries
		WHERE external_item_id = ? AND current_status IN ('pending', 'running', 'waiting_validation')
		  AND deleted_at IS NULL
		ORDER BY enqueued_at DESC LIMIT 1`, externalItemID)
	e, err := r.scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: active queue entry for item %s: %w", externalItemID, err)
	}
	return e, nil
}

func (r *QueueRepo) GetByTicketExternalID(ctx context.Context, externalItemID string) ([]*core.QueueEntry, error) {
	rows, err := r.db.db.QueryContext(ctx, `SELECT `+sqliteQueueColumns+` FROM queue_entries
		WHERE external_item_id = ? AND deleted_at IS NULL ORDER BY enqueued_at DESC`, externalItemID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: queue entries for item %s: %w", externalItemID, err)
	}
	defer rows.Close()

	var out []*core.QueueEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan queue entry for item: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
