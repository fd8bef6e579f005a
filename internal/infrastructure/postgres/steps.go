package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// StepRepo implements core.StepRepository over Postgres.
type StepRepo struct {
	db *Store
}

var _ core.StepRepository = (*StepRepo)(nil)

const stepColumns = `id, run_id, step_name, step_order, current_status, retry_count,
		max_retries, checkpoint_data, resumable, output_data, started_at, completed_at,
		created_at, updated_at, deleted_at`

func (r *StepRepo) scanStep(row pgx.Row) (*core.Step, error) {
	s := &core.Step{}
	err := row.Scan(
		&s.ID, &s.RunID, &s.StepName, &s.StepOrder, &s.CurrentStatus, &s.RetryCount,
		&s.MaxRetries, &s.CheckpointData, &s.Resumable, &s.OutputData, &s.StartedAt, &s.CompletedAt,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (r *StepRepo) Create(ctx context.Context, s *core.Step) error {
	const q = `
		INSERT INTO steps (run_id, step_name, step_order, current_status, max_retries, started_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, created_at, updated_at, started_at`
	err := r.db.Pool.QueryRow(ctx, q, s.RunID, s.StepName, s.StepOrder, s.CurrentStatus, s.MaxRetries).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt, &s.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: create step: %w", err)
	}
	return nil
}

func (r *StepRepo) GetByID(ctx context.Context, id int64) (*core.Step, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1 AND deleted_at IS NULL`, id)
	s, err := r.scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get step %d: %w", id, err)
	}
	return s, nil
}

func (r *StepRepo) GetByRunAndName(ctx context.Context, runID int64, name string) (*core.Step, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps
		WHERE run_id = $1 AND step_name = $2 AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1`, runID, name)
	s, err := r.scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get step %s for run %d: %w", name, runID, err)
	}
	return s, nil
}

func (r *StepRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryStep, expectedFrom, to); err != nil {
		return err
	}
	completedAtClause := ""
	if core.TerminalStatuses[to] {
		completedAtClause = ", completed_at = now()"
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE steps SET current_status = $1, updated_at = now()`+completedAtClause+`
		WHERE id = $2 AND current_status = $3 AND deleted_at IS NULL`,
		to, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("postgres: update step status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryStep, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *StepRepo) SetCheckpoint(ctx context.Context, id int64, checkpoint []byte, resumable bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE steps SET checkpoint_data = $1, resumable = $2, updated_at = now() WHERE id = $3`,
		checkpoint, resumable, id)
	if err != nil {
		return fmt.Errorf("postgres: set step checkpoint: %w", err)
	}
	return nil
}

func (r *StepRepo) SetOutput(ctx context.Context, id int64, output []byte) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE steps SET output_data = $1, updated_at = now() WHERE id = $2`, output, id)
	if err != nil {
		return fmt.Errorf("postgres: set step output: %w", err)
	}
	return nil
}

func (r *StepRepo) IncrementRetry(ctx context.Context, id int64) (int, error) {
	var retries int
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE steps SET retry_count = retry_count + 1, updated_at = now() WHERE id = $1 RETURNING retry_count`,
		id).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("postgres: increment step retry: %w", err)
	}
	return retries, nil
}

func (r *StepRepo) LatestCheckpoint(ctx context.Context, runID int64, stepName string) ([]byte, error) {
	var checkpoint []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT checkpoint_data FROM steps
		WHERE run_id = $1 AND step_name = $2 AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1`, runID, stepName).Scan(&checkpoint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: latest checkpoint for run %d step %s: %w", runID, stepName, err)
	}
	return checkpoint, nil
}
