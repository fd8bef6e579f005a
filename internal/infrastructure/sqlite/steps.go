package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// StepRepo implements core.StepRepository over SQLite.
type StepRepo struct {
	db *Store
}

var _ core.StepRepository = (*StepRepo)(nil)

const sqliteStepColumns = `id, run_id, step_name, step_order, current_status, retry_count,
		max_retries, checkpoint_data, resumable, output_data, started_at, completed_at,
		created_at, updated_at, deleted_at`

func (r *StepRepo) scanStep(row rowScanner) (*core.Step, error) {
	s := &core.Step{}
	var resumable int
	err := row.Scan(
		&s.ID, &s.RunID, &s.StepName, &s.StepOrder, &s.CurrentStatus, &s.RetryCount,
		&s.MaxRetries, &s.CheckpointData, &resumable, &s.OutputData, &s.StartedAt, &s.CompletedAt,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Resumable = resumable != 0
	return s, nil
}

func (r *StepRepo) Create(ctx context.Context, s *core.Step) error {
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, step_name, step_order, current_status, max_retries, started_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		s.RunID, s.StepName, s.StepOrder, s.CurrentStatus, s.MaxRetries)
	if err != nil {
		return fmt.Errorf("sqlite: create step: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create step last insert id: %w", err)
	}
	got, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	*s = *got
	return nil
}

func (r *StepRepo) GetByID(ctx context.Context, id int64) (*core.Step, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteStepColumns+` FROM steps WHERE id = ? AND deleted_at IS NULL`, id)
	s, err := r.scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get step %d: %w", id, err)
	}
	return s, nil
}

func (r *StepRepo) GetByRunAndName(ctx context.Context, runID int64, name string) (*core.Step, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteStepColumns+` FROM steps
		WHERE run_id = ? AND step_name = ? AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1`, runID, name)
	s, err := r.scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get step %s for run %d: %w", name, runID, err)
	}
	return s, nil
}

func (r *StepRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryStep, expectedFrom, to); err != nil {
		return err
	}
	completedAtClause := ""
	if core.TerminalStatuses[to] {
		completedAtClause = ", completed_at = CURRENT_TIMESTAMP"
	}
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE steps SET current_status = ?, updated_at = CURRENT_TIMESTAMP`+completedAtClause+`
		WHERE id = ? AND current_status = ? AND deleted_at IS NULL`,
		to, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("sqlite: update step status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryStep, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *StepRepo) SetCheckpoint(ctx context.Context, id int64, checkpoint []byte, resumable bool) error {
	_, err := r.db.db.ExecContext(ctx,
		`UPDATE steps SET checkpoint_data = ?, resumable = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		checkpoint, resumable, id)
	if err != nil {
		return fmt.Errorf("sqlite: set step checkpoint: %w", err)
	}
	return nil
}

func (r *StepRepo) SetOutput(ctx context.Context, id int64, output []byte) error {
	_, err := r.db.db.ExecContext(ctx, `UPDATE steps SET output_data = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, output, id)
	if err != nil {
		return fmt.Errorf("sqlite: set step output: %w", err)
	}
	return nil
}

func (r *StepRepo) IncrementRetry(ctx context.Context, id int64) (int, error) {
	if _, err := r.db.db.ExecContext(ctx,
		`UPDATE steps SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("sqlite: increment step retry: %w", err)
	}
	var retries int
	if err := r.db.db.QueryRowContext(ctx, `SELECT retry_count FROM steps WHERE id = ?`, id).Scan(&retries); err != nil {
		return 0, fmt.Errorf("sqlite: read incremented step retry: %w", err)
	}
	return retries, nil
}

func (r *StepRepo) LatestCheckpoint(ctx context.Context, runID int64, stepName string) ([]byte, error) {
	var checkpoint []byte
	err := r.db.db.QueryRowContext(ctx, `
		SELECT checkpoint_data FROM steps
		WHERE run_id = ? AND step_name = ? AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1`, runID, stepName).Scan(&checkpoint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: latest checkpoint for run %d step %s: %w", runID, stepName, err)
	}
	return checkpoint, nil
}
