package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// TicketRepo implements core.TicketRepository over Postgres.
type TicketRepo struct {
	db *Store
}

var _ core.TicketRepository = (*TicketRepo)(nil)

func (r *TicketRepo) Create(ctx context.Context, t *core.Ticket) error {
	const q = `
		INSERT INTO tickets (external_id, title, description, repository_url, current_status, previous_status)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id, created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, q, t.ExternalID, t.Title, t.Description, t.RepositoryURL, t.CurrentStatus).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create ticket: %w", err)
	}
	t.PreviousStatus = t.CurrentStatus
	return nil
}

func (r *TicketRepo) scanTicket(row pgx.Row) (*core.Ticket, error) {
	t := &core.Ticket{}
	err := row.Scan(
		&t.ID, &t.ExternalID, &t.Title, &t.Description, &t.RepositoryURL,
		&t.CurrentStatus, &t.PreviousStatus, &t.IsLocked, &t.LockedBy, &t.LockedAt,
		&t.CooldownUntil, &t.FailedReactivationCount, &t.ReactivationCount, &t.LastRunID,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

const ticketColumns = `id, external_id, title, description, repository_url,
		current_status, previous_status, is_locked, locked_by, locked_at,
		cooldown_until, failed_reactivation_count, reactivation_count, last_run_id,
		created_at, updated_at, deleted_at`

func (r *TicketRepo) GetByID(ctx context.Context, id int64) (*core.Ticket, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 AND deleted_at IS NULL`, id)
	t, err := r.scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get ticket %d: %w", id, err)
	}
	return t, nil
}

func (r *TicketRepo) GetByExternalID(ctx context.Context, externalID string) (*core.Ticket, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE external_id = $1 AND deleted_at IS NULL`, externalID)
	t, err := r.scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get ticket by external id %q: %w", externalID, err)
	}
	return t, nil
}

func (r *TicketRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, changedBy, reason string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryTicket, expectedFrom, to); err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE tickets
		SET current_status = $1, updated_at = now(),
		    last_changed_by = $4, last_change_reason = $5
		WHERE id = $2 AND current_status = $3 AND deleted_at IS NULL`,
		to, id, expectedFrom, changedBy, reason)
	if err != nil {
		return fmt.Errorf("postgres: update ticket status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryTicket, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *TicketRepo) UpdateLastRunID(ctx context.Context, id int64, runID int64) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE tickets SET last_run_id = $1, updated_at = now() WHERE id = $2`, runID, id)
	if err != nil {
		return fmt.Errorf("postgres: update ticket last_run_id: %w", err)
	}
	return nil
}

func (r *TicketRepo) SnapshotPreviousStatus(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE tickets SET previous_status = current_status, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: snapshot ticket previous status: %w", err)
	}
	return nil
}
