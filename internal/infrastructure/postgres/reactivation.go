package postgres

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
	const q = `
		INSERT INTO reactivation_triggers (ticket_id, action, reason)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	err := r.db.Pool.QueryRow(ctx, q, t.TicketID, t.Action, t.Reason).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create reactivation trigger: %w", err)
	}
	return nil
}

func (r *TriggerRepo) ListForTicket(ctx context.Context, ticketID int64) ([]*core.ReactivationTrigger, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, ticket_id, action, reason, created_at FROM reactivation_triggers
		WHERE ticket_id = $1 ORDER BY created_at DESC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reactivation triggers for ticket %d: %w", ticketID, err)
	}
	defer rows.Close()

	var out []*core.ReactivationTrigger
	for rows.Next() {
		t := &core.ReactivationTrigger{}
		if err := rows.Scan(&t.ID, &t.TicketID, &t.Action, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan reactivation trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
