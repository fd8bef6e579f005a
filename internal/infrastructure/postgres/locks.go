package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// LockRepo implements core.LockRepository over the advisory lock/cooldown
// columns on the tickets table.
type LockRepo struct {
	db *Store
}

func (r *LockRepo) AcquireLock(ctx context.Context, ticketID int64, holder string, ttl time.Duration, now time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE tickets
		SET is_locked = true, locked_by = $1, locked_at = $2, updated_at = $2
		WHERE id = $3 AND deleted_at IS NULL
		  AND (is_locked = false OR locked_at < $2 - $4::interval)`,
		holder, now, ticketID, ttl.String())
	if err != nil {
		return false, fmt.Errorf("postgres: acquire lock for ticket %d: %w", ticketID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *LockRepo) ReleaseLock(ctx context.Context, ticketID int64, holder string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE tickets SET is_locked = false, locked_by = '', locked_at = NULL, updated_at = now()
		WHERE id = $1 AND locked_by = $2`, ticketID, holder)
	if err != nil {
		return fmt.Errorf("postgres: release lock for ticket %d: %w", ticketID, err)
	}
	return nil
}

func (r *LockRepo) SweepStale(ctx context.Context, ttl time.Duration, now time.Time) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `
		UPDATE tickets
		SET is_locked = false, locked_by = '', locked_at = NULL, updated_at = $1
		WHERE is_locked = true AND locked_at < $1 - $2::interval
		RETURNING id`, now, ttl.String())
	if err != nil {
		return nil, fmt.Errorf("postgres: sweep stale locks: %w", err)
	}
	defer rows.Close()

	var released []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan swept lock ticket id: %w", err)
		}
		released = append(released, id)
	}
	return released, rows.Err()
}

func (r *LockRepo) EnterCooldown(ctx context.Context, ticketID int64, until time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE tickets SET cooldown_until = $1, updated_at = now() WHERE id = $2`, until, ticketID)
	if err != nil {
		return fmt.Errorf("postgres: enter cooldown for ticket %d: %w", ticketID, err)
	}
	return nil
}

func (r *LockRepo) IsInCooldown(ctx context.Context, ticketID int64, now time.Time) (bool, error) {
	var cooling bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT cooldown_until IS NOT NULL AND cooldown_until > $1 FROM tickets WHERE id = $2`,
		now, ticketID).Scan(&cooling)
	if err != nil {
		return false, fmt.Errorf("postgres: check cooldown for ticket %d: %w", ticketID, err)
	}
	return cooling, nil
}

func (r *LockRepo) IncrementFailedReactivationAttempts(ctx context.Context, ticketID int64) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE tickets SET failed_reactivation_count = failed_reactivation_count + 1, updated_at = now()
		WHERE id = $1 RETURNING failed_reactivation_count`, ticketID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: increment failed reactivation attempts for ticket %d: %w", ticketID, err)
	}
	return count, nil
}

func (r *LockRepo) ResetFailedReactivationAttempts(ctx context.Context, ticketID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE tickets SET failed_reactivation_count = 0, cooldown_until = NULL, updated_at = now() WHERE id = $1`, ticketID)
	if err != nil {
		return fmt.Errorf("postgres: reset failed reactivation attempts for ticket %d: %w", ticketID, err)
	}
	return nil
}

var _ core.LockRepository = (*LockRepo)(nil)
