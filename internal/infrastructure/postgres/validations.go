package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// ValidationRepo implements core.ValidationRepository over Postgres.
type ValidationRepo struct {
	db *Store
}

var _ core.ValidationRepository = (*ValidationRepo)(nil)

const validationColumns = `id, external_uuid, run_id, step_id, current_status, payload,
		rejection_count, parent_validation_id, expires_at, created_at, updated_at, deleted_at`

func (r *ValidationRepo) scanValidation(row pgx.Row) (*core.Validation, error) {
	v := &core.Validation{}
	err := row.Scan(
		&v.ID, &v.ExternalUUID, &v.RunID, &v.StepID, &v.CurrentStatus, &v.Payload,
		&v.RejectionCount, &v.ParentValidationID, &v.ExpiresAt, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (r *ValidationRepo) Create(ctx context.Context, v *core.Validation) error {
	const q = `
		INSERT INTO validations (external_uuid, run_id, step_id, current_status, payload,
		                          parent_validation_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, q,
		v.ExternalUUID, v.RunID, v.StepID, v.CurrentStatus, v.Payload, v.ParentValidationID, v.ExpiresAt,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create validation: %w", err)
	}
	return nil
}

func (r *ValidationRepo) GetByUUID(ctx context.Context, uuid string) (*core.Validation, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+validationColumns+` FROM validations
		WHERE external_uuid = $1 AND deleted_at IS NULL`, uuid)
	v, err := r.scanValidation(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get validation %s: %w", uuid, err)
	}
	return v, nil
}

func (r *ValidationRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryValidation, expectedFrom, to); err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE validations SET current_status = $1, updated_at = now()
		WHERE id = $2 AND current_status = $3 AND deleted_at IS NULL`,
		to, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("postgres: update validation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryValidation, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *ValidationRepo) IncrementRejectionCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE validations SET rejection_count = rejection_count + 1, updated_at = now() WHERE id = $1 RETURNING rejection_count`,
		id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: increment validation rejection count: %w", err)
	}
	return count, nil
}

func (r *ValidationRepo) PendingForRun(ctx context.Context, runID int64) (*core.Validation, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+validationColumns+` FROM validations
		WHERE run_id = $1 AND current_status = 'pending' AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1`, runID)
	v, err := r.scanValidation(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending validation for run %d: %w", runID, err)
	}
	return v, nil
}

func (r *ValidationRepo) ExpiredPending(ctx context.Context, asOf time.Time) ([]*core.Validation, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+validationColumns+` FROM validations
		WHERE current_status = 'pending' AND expires_at < $1 AND deleted_at IS NULL`, asOf)
	if err != nil {
		return nil, fmt.Errorf("postgres: expired pending validations: %w", err)
	}
	defer rows.Close()

	var out []*core.Validation
	for rows.Next() {
		v, err := r.scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan expired validation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *ValidationRepo) CreateResponse(ctx context.Context, resp *core.ValidationResponse) error {
	const q = `
		INSERT INTO validation_responses (validation_id, status, comments, validator_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	err := r.db.Pool.QueryRow(ctx, q, resp.ValidationID, resp.Status, resp.Comments, resp.ValidatorID).
		Scan(&resp.ID, &resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create validation response: %w", err)
	}
	return nil
}

func (r *ValidationRepo) ResponseExists(ctx context.Context, validationID int64) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM validation_responses WHERE validation_id = $1)`, validationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check validation response exists: %w", err)
	}
	return exists, nil
}
