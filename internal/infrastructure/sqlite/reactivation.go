package sqlite

import (
	"context"
	"fmt"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// TriggerRepo implements core.ReactivationTriggerRepository.
type TriggerRepo struct {
	db *Store
}

var _ core.ReactivationTriggerRepository = (*TriggerRepo)(nil)

func (r *TriggerRepo) Create(ctx context.Context, t *core.ReactivationTrigger) error {
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO reactivation_triggers (ticket_id, action, reason)
		VALUES (?, ?, ?)`, t.TicketID, t.Action, t.Reason)
	if err != nil {
		return fmt.Errorf("sqlite: create reactivation trigger: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: create reactivation trigger last insert id: %w", err)
	}
	row := r.db.db.QueryRowContext(ctx, `SELECT id, created_at FROM reactivation_triggers WHERE id = ?`, id)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return fmt.Errorf("sqlite: read created reactivation trigger: %w", err)
	}
	return nil
}

func (r *TriggerRepo) ListForTicket(ctx context.Context, ticketID int64) ([]*core.ReactivationTrigger, error) {
	rows, err := r.db.db.QueryContext(ctx, `
		SELECT id, ticket_id, action, reason, created_at FROM reactivation_triggers
		WHERE ticket_id = ? ORDER BY created_at DESC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list reactivation triggers for ticket %d: %w", ticketID, err)
	}
	defer rows.Close()

	var out []*core.ReactivationTrigger
	for rows.Next() {
		t := &core.ReactivationTrigger{}
		if err := rows.Scan(&t.ID, &t.TicketID, &t.Action, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan reactivation trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
