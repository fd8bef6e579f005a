// Package broker implements the external work-dispatch channel: a thin
// Redis-backed handle allocator the Per-Item Queue uses to hand a claimed
// entry its dispatch identity. Per spec §1's Non-goals, the broker is pure
// dispatch signaling, never the system of record — every fact the engine
// needs to recover from survives in Postgres/SQLite, not here.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// Config holds the broker's Redis connection settings, bound from
// internal/config.BrokerConfig.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

// Broker allocates dispatch handles on a Redis stream and reports whether a
// handle still has a live consumer, the signal crash recovery uses to tell
// a genuinely orphaned run apart from one still being worked
// (spec §4.5: "no live broker dispatch handle"). Construction mirrors the
// teacher's RedisCache: validate config, connect, ping once, fail fast.
type Broker struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

// New connects to Redis and verifies reachability before returning.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Stream == "" {
		cfg.Stream = "orchestrator:dispatch"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: connect to redis %q: %w", cfg.Addr, err)
	}

	logger.Info("broker connected to redis", "addr", cfg.Addr, "stream", cfg.Stream)
	return &Broker{client: client, stream: cfg.Stream, logger: logger}, nil
}

// AllocateHandle implements internal/queue.DispatchHandleAllocator: it
// publishes the claimed entry onto the dispatch stream and returns the
// resulting stream message ID as the entry's dispatch handle.
func (b *Broker) AllocateHandle(ctx context.Context, entry *core.QueueEntry) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"queue_entry_id":   entry.ID,
			"external_item_id": entry.ExternalItemID,
			"is_reactivation":  entry.IsReactivation,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("broker: publish dispatch for entry %d: %w", entry.ID, err)
	}
	return id, nil
}

// IsLive reports whether handle still exists on the stream, i.e. nothing
// has claimed-then-acked and trimmed it away. Used by the crash-recovery
// pass to distinguish a run whose worker is still alive from one that
// genuinely needs recovery.
func (b *Broker) IsLive(ctx context.Context, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}
	msgs, err := b.client.XRange(ctx, b.stream, handle, handle).Result()
	if err != nil {
		return false, fmt.Errorf("broker: check handle %q: %w", handle, err)
	}
	return len(msgs) > 0, nil
}

// Close releases the underlying Redis connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}
