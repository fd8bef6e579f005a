package sqlite

import (
	"context"
	"fmt"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// FailureRepo implements core.RunFailureRepository: the dead-letter table a
// step writes to when it exhausts its retry budget.
type FailureRepo struct {
	db *Store
}

var _ core.RunFailureRepository = (*FailureRepo)(nil)

func (r *FailureRepo) Create(ctx context.Context, f *core.RunFailure) error {
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO run_failures (run_id, step_id, reason)
		VALUES (?, ?, ?)`, f.RunID, f.StepID, f.Reason)
	if err != nil {
		return fmt.Errorf("sqlite: create run failure: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create run failure last insert id: %w", err)
	}
	row := r.db.db.QueryRowContext(ctx, `SELECT id, created_at FROM run_failures WHERE id = ?`, id)
	if err := row.Scan(&f.ID, &f.CreatedAt); err != nil {
		return fmt.Errorf("sqlite: read created run failure: %w", err)
	}
	return nil
}

func (r *FailureRepo) ListForRun(ctx context.Context, runID int64) ([]*core.RunFailure, error) {
	rows, err := r.db.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, reason, created_at FROM run_failures
		WHERE run_id = ? ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list run failures for run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []*core.RunFailure
	for rows.Next() {
		f := &core.RunFailure{}
		if err := rows.Scan(&f.ID, &f.RunID, &f.StepID, &f.Reason, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan run failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
