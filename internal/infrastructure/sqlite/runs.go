package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// RunRepo implements core.RunRepository over SQLite.
type RunRepo struct {
	db *Store
}

var _ core.RunRepository = (*RunRepo)(nil)

const sqliteRunColumns = `id, ticket_id, run_number, current_status, current_step_name,
		progress_percentage, parent_run_id, is_reactivation, reactivation_depth,
		dispatch_handle, reason, started_at, completed_at, created_at, updated_at, deleted_at`

func (r *RunRepo) scanRun(row rowScanner) (*core.Run, error) {
	run := &core.Run{}
	var isReactivation int
	err := row.Scan(
		&run.ID, &run.TicketID, &run.RunNumber, &run.CurrentStatus, &run.CurrentStepName,
		&run.ProgressPercentage, &run.ParentRunID, &isReactivation, &run.ReactivationDepth,
		&run.DispatchHandle, &run.Reason, &run.StartedAt, &run.CompletedAt,
		&run.CreatedAt, &run.UpdatedAt, &run.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	run.IsReactivation = isReactivation != 0
	return run, nil
}

func (r *RunRepo) Create(ctx context.Context, run *core.Run) error {
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO runs (ticket_id, run_number, current_status, parent_run_id,
		                   is_reactivation, reactivation_depth, reason, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		run.TicketID, run.RunNumber, run.CurrentStatus, run.ParentRunID,
		run.IsReactivation, run.ReactivationDepth, run.Reason)
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create run last insert id: %w", err)
	}
	got, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	*run = *got
	return nil
}

func (r *RunRepo) GetByID(ctx context.Context, id int64) (*core.Run, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ? AND deleted_at IS NULL`, id)
	run, err := r.scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run %d: %w", id, err)
	}
	return run, nil
}

func (r *RunRepo) NextRunNumber(ctx context.Context, ticketID int64) (int, error) {
	var next int
	err := r.db.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE ticket_id = ?`, ticketID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("sqlite: next run number for ticket %d: %w", ticketID, err)
	}
	return next, nil
}

func (r *RunRepo) ActiveRunForTicket(ctx context.Context, ticketID int64) (*core.Run, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs
		WHERE ticket_id = ? AND deleted_at IS NULL
		  AND current_status IN ('started', 'running', 'waiting_validation')
		ORDER BY created_at DESC LIMIT 1`, ticketID)
	run, err := r.scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: active run for ticket %d: %w", ticketID, err)
	}
	return run, nil
}

func (r *RunRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, reason string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryRun, expectedFrom, to); err != nil {
		return err
	}
	completedAtClause := ""
	if core.TerminalStatuses[to] {
		completedAtClause = ", completed_at = CURRENT_TIMESTAMP"
	}
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE runs SET current_status = ?, reason = ?, updated_at = CURRENT_TIMESTAMP`+completedAtClause+`
		WHERE id = ? AND current_status = ? AND deleted_at IS NULL`,
		to, reason, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("sqlite: update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryRun, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *RunRepo) SetCurrentStep(ctx context.Context, id int64, stepName string) error {
	_, err := r.db.db.ExecContext(ctx, `UPDATE runs SET current_step_name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, stepName, id)
	if err != nil {
		return fmt.Errorf("sqlite: set run current step: %w", err)
	}
	return nil
}

func (r *RunRepo) SetProgress(ctx context.Context, id int64, percent int) error {
	_, err := r.db.db.ExecContext(ctx, `UPDATE runs SET progress_percentage = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, percent, id)
	if err != nil {
		return fmt.Errorf("sqlite: set run progress: %w", err)
	}
	return nil
}

func (r *RunRepo) ListRunningWithoutLiveDispatch(ctx context.Context) ([]*core.Run, error) {
	rows, err := r.db.db.QueryContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs
		WHERE current_status = 'running' AND deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list running runs: %w", err)
	}
	defer rows.Close()

	var out []*core.Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan running run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *RunRepo) WalkAncestry(ctx context.Context, runID int64, maxDepth int) ([]*core.Run, error) {
	const q = `
		WITH RECURSIVE ancestry AS (
			SELECT ` + sqliteRunColumns + `, 0 AS depth FROM runs WHERE id = ?
			UNION ALL
			SELECT r.id, r.ticket_id, r.run_number, r.current_status, r.current_step_name,
			       r.progress_percentage, r.parent_run_id, r.is_reactivation, r.reactivation_depth,
			       r.dispatch_handle, r.reason, r.started_at, r.completed_at, r.created_at,
			       r.updated_at, r.deleted_at, a.depth + 1
			FROM runs r JOIN ancestry a ON r.id = a.parent_run_id
			WHERE a.depth + 1 < ?
		)
		SELECT ` + sqliteRunColumns + ` FROM ancestry ORDER BY depth ASC`

	rows, err := r.db.db.QueryContext(ctx, q, runID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("sqlite: walk run ancestry: %w", err)
	}
	defer rows.Close()

	var out []*core.Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan ancestry run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
