package sqlite

import (
	"context"
	"fmt"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// HistoryRepo implements core.StatusHistoryRepository: read-only access to
// the append-only, trigger-written status-history tables.
type HistoryRepo struct {
	db *Store
}

var _ core.StatusHistoryRepository = (*HistoryRepo)(nil)

func (r *HistoryRepo) ListForEntity(ctx context.Context, category core.StatusCategory, entityID int64) ([]*core.StatusHistoryRow, error) {
	rows, err := r.db.db.QueryContext(ctx, `
		SELECT id, category, entity_id, from_status, to_status, changed_by, reason, changed_at
		FROM status_history
		WHERE category = ? AND entity_id = ?
		ORDER BY changed_at ASC`, category, entityID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list status history for %s/%d: %w", category, entityID, err)
	}
	defer rows.Close()

	var out []*core.StatusHistoryRow
	for rows.Next() {
		h := &core.StatusHistoryRow{}
		if err := rows.Scan(&h.ID, &h.Category, &h.EntityID, &h.FromStatus, &h.ToStatus, &h.ChangedBy, &h.Reason, &h.ChangedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan status history row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
