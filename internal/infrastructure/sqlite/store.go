// Package sqlite implements the Lite deployment profile's storage layer:
// the same internal/core repository interfaces as internal/infrastructure/
// postgres, over modernc.org/sqlite via database/sql. SQLite's single-writer
// model means ClaimNext serializes on SQLite's own write lock rather than
// FOR UPDATE SKIP LOCKED (spec's Lite profile trades multi-writer queue
// throughput for a zero-dependency deploy).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/orchestrator-io/change-orchestrator/internal/registry"
)

// Config holds the SQLite file path, bound from internal/config.StorageConfig.
type Config struct {
	Path string
}

// Store bundles a *sql.DB with the Status Registry every repository
// consults before writing a status column.
type Store struct {
	db       *sql.DB
	Registry *registry.StatusRegistry
	logger   *slog.Logger
}

// Connect opens the SQLite file (creating its parent directory if needed),
// enables foreign keys and WAL mode, and loads the Status Registry.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY under concurrent
	// dispatcher/sweeper goroutines; reads and writes alike are serialized
	// over it.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		logger.Warn("sqlite: failed to enable WAL mode", "error", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %q: %w", path, err)
	}

	logger.Info("connected to sqlite", "path", path)

	reg, err := registry.New()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: allocate registry: %w", err)
	}
	store := &Store{db: db, Registry: reg, logger: logger}
	if err := reg.Load(ctx, (*registryStore)(store)); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: load registry: %w", err)
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Tickets() *TicketRepo               { return &TicketRepo{db: s} }
func (s *Store) Runs() *RunRepo                     { return &RunRepo{db: s} }
func (s *Store) Steps() *StepRepo                   { return &StepRepo{db: s} }
func (s *Store) Validations() *ValidationRepo       { return &ValidationRepo{db: s} }
func (s *Store) Queue() *QueueRepo                  { return &QueueRepo{db: s} }
func (s *Store) Locks() *LockRepo                   { return &LockRepo{db: s} }
func (s *Store) History() *HistoryRepo              { return &HistoryRepo{db: s} }
func (s *Store) ReactivationTriggers() *TriggerRepo { return &TriggerRepo{db: s} }
func (s *Store) RunFailures() *FailureRepo          { return &FailureRepo{db: s} }
func (s *Store) WebhookEvents() *WebhookEventRepo   { return &WebhookEventRepo{db: s} }
