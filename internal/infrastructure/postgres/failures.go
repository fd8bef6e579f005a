package postgres

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
	const q = `
		INSERT INTO run_failures (run_id, step_id, reason)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	err := r.db.Pool.QueryRow(ctx, q, f.RunID, f.StepID, f.Reason).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create run failure: %w", err)
	}
	return nil
}

func (r *FailureRepo) ListForRun(ctx context.Context, runID int64) ([]*core.RunFailure, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, run_id, step_id, reason, created_at FROM run_failures
		WHERE run_id = $1 ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list run failures for run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []*core.RunFailure
	for rows.Next() {
		f := &core.RunFailure{}
		if err := rows.Scan(&f.ID, &f.RunID, &f.StepID, &f.Reason, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan run failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
