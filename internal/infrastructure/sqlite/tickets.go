package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// TicketRepo implements core.TicketRepository over SQLite.
type TicketRepo struct {
	db *Store
}

var _ core.TicketRepository = (*TicketRepo)(nil)

const sqliteTicketColumns = `id, external_id, title, description, repository_url,
		current_status, previous_status, is_locked, locked_by, locked_at,
		cooldown_until, failed_reactivation_count, reactivation_count, last_run_id,
		created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *TicketRepo) scanTicket(row rowScanner) (*core.Ticket, error) {
	t := &core.Ticket{}
	var isLocked int
	err := row.Scan(
		&t.ID, &t.ExternalID, &t.Title, &t.Description, &t.RepositoryURL,
		&t.CurrentStatus, &t.PreviousStatus, &isLocked, &t.LockedBy, &t.LockedAt,
		&t.CooldownUntil, &t.FailedReactivationCount, &t.ReactivationCount, &t.LastRunID,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.IsLocked = isLocked != 0
	return t, nil
}

func (r *TicketRepo) Create(ctx context.Context, t *core.Ticket) error {
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO tickets (external_id, title, description, repository_url, current_status, previous_status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ExternalID, t.Title, t.Description, t.RepositoryURL, t.CurrentStatus, t.CurrentStatus)
	if err != nil {
		return fmt.Errorf("sqlite: create ticket: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create ticket last insert id: %w", err)
	}
	got, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	*t = *got
	return nil
}

func (r *TicketRepo) GetByID(ctx context.Context, id int64) (*core.Ticket, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteTicketColumns+` FROM tickets WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := r.scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get ticket %d: %w", id, err)
	}
	return t, nil
}

func (r *TicketRepo) GetByExternalID(ctx context.Context, externalID string) (*core.Ticket, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteTicketColumns+` FROM tickets WHERE external_id = ? AND deleted_at IS NULL`, externalID)
	t, err := r.scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get ticket by external id %q: %w", externalID, err)
	}
	return t, nil
}

func (r *TicketRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, changedBy, reason string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryTicket, expectedFrom, to); err != nil {
		return err
	}
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE tickets
		SET current_status = ?, updated_at = CURRENT_TIMESTAMP,
		    last_changed_by = ?, last_change_reason = ?
		WHERE id = ? AND current_status = ? AND deleted_at IS NULL`,
		to, changedBy, reason, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("sqlite: update ticket status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryTicket, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *TicketRepo) UpdateLastRunID(ctx context.Context, id int64, runID int64) error {
	_, err := r.db.db.ExecContext(ctx, `UPDATE tickets SET last_run_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, runID, id)
	if err != nil {
		return fmt.Errorf("sqlite: update ticket last_run_id: %w", err)
	}
	return nil
}

func (r *TicketRepo) SnapshotPreviousStatus(ctx context.Context, id int64) error {
	_, err := r.db.db.ExecContext(ctx, `UPDATE tickets SET previous_status = current_status, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: snapshot ticket previous status: %w", err)
	}
	return nil
}
