package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// ValidationRepo implements core.ValidationRepository over SQLite.
type ValidationRepo struct {
	db *Store
}

var _ core.ValidationRepository = (*ValidationRepo)(nil)

const sqliteValidationColumns = `id, external_uuid, run_id, step_id, current_status, payload,
		rejection_count, parent_validation_id, expires_at, created_at, updated_at, deleted_at`

func (r *ValidationRepo) scanValidation(row rowScanner) (*core.Validation, error) {
	v := &core.Validation{}
	err := row.Scan(
		&v.ID, &v.ExternalUUID, &v.RunID, &v.StepID, &v.CurrentStatus, &v.Payload,
		&v.RejectionCount, &v.ParentValidationID, &v.ExpiresAt, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (r *ValidationRepo) Create(ctx context.Context, v *core.Validation) error {
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO validations (external_uuid, run_id, step_id, current_status, payload,
		                          parent_validation_id, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ExternalUUID, v.RunID, v.StepID, v.CurrentStatus, v.Payload, v.ParentValidationID, v.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sqlite: create validation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create validation last insert id: %w", err)
	}
	got, err := r.GetByUUID(ctx, v.ExternalUUID)
	if err != nil {
		return err
	}
	_ = id
	*v = *got
	return nil
}

func (r *ValidationRepo) GetByUUID(ctx context.Context, uuid string) (*core.Validation, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteValidationColumns+` FROM validations
		WHERE external_uuid = ? AND deleted_at IS NULL`, uuid)
	v, err := r.scanValidation(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get validation %s: %w", uuid, err)
	}
	return v, nil
}

func (r *ValidationRepo) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	if err := r.db.Registry.ValidateTransition(core.CategoryValidation, expectedFrom, to); err != nil {
		return err
	}
	res, err := r.db.db.ExecContext(ctx, `
		UPDATE validations SET current_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND current_status = ? AND deleted_at IS NULL`,
		to, id, expectedFrom)
	if err != nil {
		return fmt.Errorf("sqlite: update validation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if affected == 0 {
		return &core.ErrConcurrentStatusChange{Category: core.CategoryValidation, EntityID: id, Expected: expectedFrom}
	}
	return nil
}

func (r *ValidationRepo) IncrementRejectionCount(ctx context.Context, id int64) (int, error) {
	if _, err := r.db.db.ExecContext(ctx,
		`UPDATE validations SET rejection_count = rejection_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("sqlite: increment validation rejection count: %w", err)
	}
	var count int
	if err := r.db.db.QueryRowContext(ctx, `SELECT rejection_count FROM validations WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: read incremented rejection count: %w", err)
	}
	return count, nil
}

func (r *ValidationRepo) PendingForRun(ctx context.Context, runID int64) (*core.Validation, error) {
	row := r.db.db.QueryRowContext(ctx, `SELECT `+sqliteValidationColumns+` FROM validations
		WHERE run_id = ? AND current_status = 'pending' AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1`, runID)
	v, err := r.scanValidation(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pending validation for run %d: %w", runID, err)
	}
	return v, nil
}

func (r *ValidationRepo) ExpiredPending(ctx context.Context, asOf time.Time) ([]*core.Validation, error) {
	rows, err := r.db.db.QueryContext(ctx, `SELECT `+sqliteValidationColumns+` FROM validations
		WHERE current_status = 'pending' AND expires_at < ? AND deleted_at IS NULL`, asOf)
	if err != nil {
		return nil, fmt.Errorf("sqlite: expired pending validations: %w", err)
	}
	defer rows.Close()

	var out []*core.Validation
	for rows.Next() {
		v, err := r.scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan expired validation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *ValidationRepo) CreateResponse(ctx context.Context, resp *core.ValidationResponse) error {
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO validation_responses (validation_id, status, comments, validator_id)
		VALUES (?, ?, ?, ?)`,
		resp.ValidationID, resp.Status, resp.Comments, resp.ValidatorID)
	if err != nil {
		return fmt.Errorf("sqlite: create validation response: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create validation response last insert id: %w", err)
	}
	row := r.db.db.QueryRowContext(ctx, `SELECT id, created_at FROM validation_responses WHERE id = ?`, id)
	if err := row.Scan(&resp.ID, &resp.CreatedAt); err != nil {
		return fmt.Errorf("sqlite: read created validation response: %w", err)
	}
	return nil
}

func (r *ValidationRepo) ResponseExists(ctx context.Context, validationID int64) (bool, error) {
	var exists int
	err := r.db.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM validation_responses WHERE validation_id = ?)`, validationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: check validation response exists: %w", err)
	}
	return exists != 0, nil
}
