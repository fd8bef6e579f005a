package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// LockRepo implements core.LockRepository over the advisory lock/cooldown
// columns on the tickets table. SQLite has no interval type, so TTL cutoffs
// are computed in Go and passed down as plain timestamps.
type LockRepo struct {
	db *Store
}

var _ core.LockRepository = (*LockRepo)(nil)

func (r *LockRepo) AcquireLock(ctx context.Context, ticketID int64, holder string, ttl time.Duration, now time.Time) (bool, error) {
	cutoff := now.Add(-ttl)
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE tickets
		SET is_locked = 1, locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
		  AND (is_locked = 0 OR locked_at < ?)`,
		holder, now, now, ticketID, cutoff)
	if err != nil {
		return false, fmt.Errorf("sqlite: acquire lock for ticket %d: %w", ticketID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *LockRepo) ReleaseLock(ctx context.Context, ticketID int64, holder string) error {
	_, err := r.db.db.ExecContext(ctx, `
		UPDATE tickets SET is_locked = 0, locked_by = '', locked_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND locked_by = ?`, ticketID, holder)
	if err != nil {
		return fmt.Errorf("sqlite: release lock for ticket %d: %w", ticketID, err)
	}
	return nil
}

func (r *LockRepo) SweepStale(ctx context.Context, ttl time.Duration, now time.Time) ([]int64, error) {
	cutoff := now.Add(-ttl)

	rows, err := r.db.db.QueryContext(ctx, `
		SELECT id FROM tickets WHERE is_locked = 1 AND locked_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find stale locks: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan stale lock ticket id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = r.db.db.ExecContext(ctx, `
		UPDATE tickets SET is_locked = 0, locked_by = '', locked_at = NULL, updated_at = ?
		WHERE is_locked = 1 AND locked_at < ?`, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlite: sweep stale locks: %w", err)
	}
	return ids, nil
}

func (r *LockRepo) EnterCooldown(ctx context.Context, ticketID int64, until time.Time) error {
	_, err := r.db.db.ExecContext(ctx,
		`UPDATE tickets SET cooldown_until = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, until, ticketID)
	if err != nil {
		return fmt.Errorf("sqlite: enter cooldown for ticket %d: %w", ticketID, err)
	}
	return nil
}

func (r *LockRepo) IsInCooldown(ctx context.Context, ticketID int64, now time.Time) (bool, error) {
	var until *time.Time
	err := r.db.db.QueryRowContext(ctx,
		`SELECT cooldown_until FROM tickets WHERE id = ?`, ticketID).Scan(&until)
	if err != nil {
		return false, fmt.Errorf("sqlite: check cooldown for ticket %d: %w", ticketID, err)
	}
	return until != nil && until.After(now), nil
}

func (r *LockRepo) IncrementFailedReactivationAttempts(ctx context.Context, ticketID int64) (int, error) {
	if _, err := r.db.db.ExecContext(ctx, `
		UPDATE tickets SET failed_reactivation_count = failed_reactivation_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, ticketID); err != nil {
		return 0, fmt.Errorf("sqlite: increment failed reactivation attempts for ticket %d: %w", ticketID, err)
	}
	var count int
	if err := r.db.db.QueryRowContext(ctx,
		`SELECT failed_reactivation_count FROM tickets WHERE id = ?`, ticketID).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: read incremented failed reactivation attempts for ticket %d: %w", ticketID, err)
	}
	return count, nil
}

func (r *LockRepo) ResetFailedReactivationAttempts(ctx context.Context, ticketID int64) error {
	_, err := r.db.db.ExecContext(ctx,
		`UPDATE tickets SET failed_reactivation_count = 0, cooldown_until = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, ticketID)
	if err != nil {
		return fmt.Errorf("sqlite: reset failed reactivation attempts for ticket %d: %w", ticketID, err)
	}
	return nil
}
