package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// WebhookEventRepo implements core.WebhookEventRepository over a plain
// webhook_events table. The Lite profile has no partitioned schema, so
// dedup relies entirely on the caller checking ExistsByEventID first and
// on the window-scoped lookup here, rather than on a DB-level constraint
// scoped to a time bucket.
type WebhookEventRepo struct {
	db *Store
}

var _ core.WebhookEventRepository = (*WebhookEventRepo)(nil)

func (r *WebhookEventRepo) Insert(ctx context.Context, e *core.WebhookEvent) error {
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, source, event_type, payload, received_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		e.EventID, e.Source, e.EventType, e.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: insert webhook event %s: %w", e.EventID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: insert webhook event last insert id: %w", err)
	}
	row := r.db.db.QueryRowContext(ctx, `SELECT id, received_at FROM webhook_events WHERE id = ?`, id)
	if err := row.Scan(&e.ID, &e.ReceivedAt); err != nil {
		return fmt.Errorf("sqlite: read inserted webhook event: %w", err)
	}
	return nil
}

func (r *WebhookEventRepo) ExistsByEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	cutoff := time.Now().Add(-window)
	var exists int
	err := r.db.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_id = ? AND received_at > ?)`,
		eventID, cutoff).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: check webhook event exists for %s: %w", eventID, err)
	}
	return exists != 0, nil
}
