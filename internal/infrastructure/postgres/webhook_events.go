package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// WebhookEventRepo implements core.WebhookEventRepository over the
// monthly-partitioned logs.webhook_events table.
type WebhookEventRepo struct {
	db *Store
}

var _ core.WebhookEventRepository = (*WebhookEventRepo)(nil)

func (r *WebhookEventRepo) Insert(ctx context.Context, e *core.WebhookEvent) error {
	const q = `
		INSERT INTO logs.webhook_events (event_id, source, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (event_id, received_at) DO NOTHING
		RETURNING id, received_at`
	err := r.db.Pool.QueryRow(ctx, q, e.EventID, e.Source, e.EventType, e.Payload).Scan(&e.ID, &e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert webhook event %s: %w", e.EventID, err)
	}
	return nil
}

func (r *WebhookEventRepo) ExistsByEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM logs.webhook_events
			WHERE event_id = $1 AND received_at > now() - $2::interval
		)`, eventID, window.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check webhook event exists for %s: %w", eventID, err)
	}
	return exists, nil
}
