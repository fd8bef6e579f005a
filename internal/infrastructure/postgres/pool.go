// Package postgres implements the Standard deployment profile's storage
// layer: typed repositories over a pgxpool.Pool satisfying every
// internal/core repository interface, with every status write routed
// through the Status Registry before the UPDATE is issued.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestrator-io/change-orchestrator/internal/registry"
)

// Config holds pgxpool connection settings, bound from
// internal/config.DatabaseConfig.
type Config struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 20
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

// Store bundles a connected pool with the Status Registry every repository
// consults before writing a status column.
type Store struct {
	Pool     *pgxpool.Pool
	Registry *registry.StatusRegistry
	logger   *slog.Logger
}

// Connect opens the pool, pings once to fail fast, and loads the Status
// Registry from the reference tables.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	logger.Info("connected to postgres", "connection_time", time.Since(start), "max_conns", cfg.MaxConns)

	reg, err := registry.New()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: allocate registry: %w", err)
	}
	store := &Store{Pool: pool, Registry: reg, logger: logger}
	if err := reg.Load(ctx, (*registryStore)(store)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: load registry: %w", err)
	}

	return store, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// Tickets returns a TicketRepository bound to this store.
func (s *Store) Tickets() *TicketRepo { return &TicketRepo{db: s} }

// Runs returns a RunRepository bound to this store.
func (s *Store) Runs() *RunRepo { return &RunRepo{db: s} }

// Steps returns a StepRepository bound to this store.
func (s *Store) Steps() *StepRepo { return &StepRepo{db: s} }

// Validations returns a ValidationRepository bound to this store.
func (s *Store) Validations() *ValidationRepo { return &ValidationRepo{db: s} }

// Queue returns a QueueRepository bound to this store.
func (s *Store) Queue() *QueueRepo { return &QueueRepo{db: s} }

// Locks returns a LockRepository bound to this store.
func (s *Store) Locks() *LockRepo { return &LockRepo{db: s} }

// History returns a StatusHistoryRepository bound to this store.
func (s *Store) History() *HistoryRepo { return &HistoryRepo{db: s} }

// ReactivationTriggers returns a ReactivationTriggerRepository bound to this store.
func (s *Store) ReactivationTriggers() *TriggerRepo { return &TriggerRepo{db: s} }

// RunFailures returns a RunFailureRepository bound to this store.
func (s *Store) RunFailures() *FailureRepo { return &FailureRepo{db: s} }

// WebhookEvents returns a WebhookEventRepository bound to this store.
func (s *Store) WebhookEvents() *WebhookEventRepo { return &WebhookEventRepo{db: s} }
