package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// RunRepo implements core.RunRepository over Postgres.
type RunRepo struct {
	db *Store
}

var _ core.RunRepository = (*RunRepo)(nil)

const runColumns = `id, ticket_id, run_number, current_status, current_step_name,
		progress_percentage, parent_run_id, is_reactivation, reactivation_depth,
		dispatch_handle, reason, started_at, completed_at, created_at, updated_at, deleted_at`

func (r *RunRepo) scanRun(row pgx.Row) (*core.Run, error) {
	run := &core.Run{}
	err := row.Scan(
		&run.ID, &run.TicketID, &run.RunNumber, &run.CurrentStatus, &run.CurrentStepName,
		&run.ProgressPercentage, &run.ParentRunID, &run.IsReactivation, &run.ReactivationDepth,
		&run.DispatchHandle, &run.Reason, &run.StartedAt, &run.CompletedAt,
		&run.CreatedAt, &run.UpdatedAt, &run.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

func (r *RunRepo) Create(ctx context.Context, run *core.Run) error {
	const q = `
		INSERT INTO runs (ticket_id, run_number, current_status, parent_run_id,
		                   is_reactivation, reactivation_depth, reason, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, created_at, updated_at, started_at`
	err := r.db.Pool.QueryRow(ctx, q,
		run.TicketID, run.RunNumber, run.CurrentStatus, run.ParentRunID,
		run.IsReactivation, run.ReactivationDepth, run.Reason,
	).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt, &run.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

func (r *RunRepo) GetByID(ctx context.Context, id int64) (*core.Run, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 AND deleted_at IS NULL`, id)
	run, err := r.scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get run %d: %w", id, err)
	}
	return run, nil
}

func (r *RunRepo) NextRunNumber(ctx context.Context, ticketID int64) (int, error) {
	var next int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE ticket_id = $1`, ticketID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("postgres: next run number for ticket %d: %w", ticketID, err)
	}
	return next, nil
}

func (r *RunRepo) ActiveRunForTicket(ctx context.Context, ticketID int64) (*core.Run, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs
		WHERE ticket_id = $1 AND deleted_at IS NULL
		  AND current_status IN ('started', 'running', 'waiting_validation')
		ORDER BY created_at DESC LIMIT 1`, ticketID)
	run, err := r.scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: active run for ticket %d: %w", ticketID, err)
	}
	return run, nil
}

func (r *RunRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, reason string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryRun, expectedFrom, to); err != nil {
		return err
	}
	completedAtClause := ""
	if core.TerminalStatuses[to] {
		completedAtClause = ", completed_at = now()"
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE runs SET current_status = $1, reason = $2, updated_at = now()`+completedAtClause+`
		WHERE id = $3 AND current_status = $4 AND deleted_at IS NULL`,
		to, reason, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("postgres: update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryRun, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *RunRepo) SetCurrentStep(ctx context.Context, id int64, stepName string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE runs SET current_step_name = $1, updated_at = now() WHERE id = $2`, stepName, id)
	if err != nil {
		return fmt.Errorf("postgres: set run current step: %w", err)
	}
	return nil
}

func (r *RunRepo) SetProgress(ctx context.Context, id int64, percent int) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE runs SET progress_percentage = $1, updated_at = now() WHERE id = $2`, percent, id)
	if err != nil {
		return fmt.Errorf("postgres: set run progress: %w", err)
	}
	return nil
}

func (r *RunRepo) ListRunningWithoutLiveDispatch(ctx context.Context) ([]*core.Run, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+runColumns+` FROM runs
		WHERE current_status = 'running' AND deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list running runs: %w", err)
	}
	defer rows.Close()

	var out []*core.Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan running run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *RunRepo) WalkAncestry(ctx context.Context, runID int64, maxDepth int) ([]*core.Run, error) {
	const q = `
		WITH RECURSIVE ancestry AS (
			SELECT ` + runColumns + `, 0 AS depth FROM runs WHERE id = $1
			UNION ALL
			SELECT r.id, r.ticket_id, r.run_number, r.current_status, r.current_step_name,
			       r.progress_percentage, r.parent_run_id, r.is_reactivation, r.reactivation_depth,
			       r.dispatch_handle, r.reason, r.started_at, r.completed_at, r.created_at,
			       r.updated_at, r.deleted_at, a.depth + 1
			FROM runs r JOIN ancestry a ON r.id = a.parent_run_id
			WHERE a.depth + 1 < $2
		)
		SELECT ` + runColumns + ` FROM ancestry ORDER BY depth ASC`

	rows, err := r.db.Pool.Query(ctx, q, runID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("postgres: walk run ancestry: %w", err)
	}
	defer rows.Close()

	var out []*core.Run
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan ancestry run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
