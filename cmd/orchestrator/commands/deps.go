// Package commands holds the cobra subcommands for the orchestrator binary
// and the shared dependency graph they construct, grounded on
// internal/infrastructure/migrations/cli.go's command-tree assembly and
// cmd/server/main.go's logger/storage bootstrap.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/broker"
	"github.com/orchestrator-io/change-orchestrator/internal/config"
	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/engine"
	"github.com/orchestrator-io/change-orchestrator/internal/infrastructure/postgres"
	"github.com/orchestrator-io/change-orchestrator/internal/infrastructure/sqlite"
	"github.com/orchestrator-io/change-orchestrator/internal/lock"
	"github.com/orchestrator-io/change-orchestrator/internal/queue"
	"github.com/orchestrator-io/change-orchestrator/internal/reactivation"
	"github.com/orchestrator-io/change-orchestrator/internal/realtime"
	"github.com/orchestrator-io/change-orchestrator/internal/validation"
	"github.com/orchestrator-io/change-orchestrator/internal/webhook"
)

// Dependencies is the fully wired orchestration substrate: every component
// named in spec.md §4 plus the ambient metrics/realtime/webhook surface.
// Built once per process by Build, regardless of which subcommand runs —
// `sweep`/`reactivations`/`cancel` use a slice of it, `serve` uses all of it.
type Dependencies struct {
	Config *config.Config
	Logger *slog.Logger

	Tickets       core.TicketRepository
	Runs          core.RunRepository
	Steps         core.StepRepository
	Validations   core.ValidationRepository
	Queue         core.QueueRepository
	Locks         core.LockRepository
	History       core.StatusHistoryRepository
	Triggers      core.ReactivationTriggerRepository
	Failures      core.RunFailureRepository
	WebhookEvents core.WebhookEventRepository

	Clock core.Clock

	Engine          *engine.Engine
	LockManager     *lock.Manager
	LockSweeper     *lock.Sweeper
	Dispatcher      *queue.Dispatcher
	TimeoutSweeper  *queue.TimeoutSweeper
	Rendezvous      *validation.Rendezvous
	ExpirySweeper   *validation.ExpirySweeper
	Reactivation    *reactivation.Controller
	Broker          *broker.Broker
	Intake          *webhook.Intake
	EventBus        *realtime.DefaultEventBus
	Publisher       *realtime.EventPublisher
	RealtimeMetrics *realtime.RealtimeMetrics

	closers []func()
}

// Close releases every resource Build opened, in reverse acquisition order.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// Build connects storage per cfg.Profile and wires the full dependency
// graph. The two deployment profiles return different concrete repository
// types (*postgres.TicketRepo vs *sqlite.TicketRepo), so Build assigns them
// into core.XRepository-typed fields immediately after connecting rather
// than introducing a unifying Store interface; everything downstream of
// that assignment is profile-agnostic.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dependencies{Config: cfg, Logger: logger, Clock: core.SystemClock{}}

	if err := d.connectStorage(ctx, cfg, logger); err != nil {
		return nil, err
	}

	orchCfg := cfg.Orchestrator

	d.LockManager = lock.New(d.Locks, d.Clock, lock.Config{
		TTL:          orchCfg.LockTTL(),
		CooldownBase: time.Duration(orchCfg.CooldownBaseSeconds) * time.Second,
		CooldownCap:  time.Duration(orchCfg.CooldownCapSeconds) * time.Second,
	}, logger)

	sweepInterval := orchCfg.LockTTL() / 3
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	d.LockSweeper = lock.NewSweeper(d.Locks, d.Clock, orchCfg.LockTTL(), sweepInterval, logger)

	notifier := core.NewLoggingNotifier(logger)

	// The engine and dispatcher are mutually referential: the dispatcher
	// needs the engine as its RunStarter, the engine needs the dispatcher
	// as its QueueCompleter. Construct the engine with queue unbound, wire
	// the dispatcher against it, then BindQueue.
	eng := engine.New(d.Tickets, d.Runs, d.Steps, d.Validations, d.Failures, d.LockManager, nil, notifier, d.Clock, engine.Config{
		DefaultMaxStepRetries: orchCfg.DefaultMaxStepRetries,
		StepRetryBackoffBase:  time.Duration(orchCfg.StepRetryBackoffSecondsBase) * time.Second,
		ValidationTTL:         orchCfg.ValidationTTL(),
		MaxRejections:         orchCfg.MaxRejections,
	}, logger)
	eng.RegisterDefaultHandlers()
	d.Engine = eng

	allocator, err := d.buildAllocator(cfg, logger)
	if err != nil {
		return nil, err
	}

	d.Dispatcher = queue.NewDispatcher(d.Queue, eng, allocator, queue.Config{}, logger)
	eng.BindQueue(d.Dispatcher)

	queueTimeout := time.Duration(orchCfg.QueueTimeoutSeconds) * time.Second
	if queueTimeout <= 0 {
		queueTimeout = 30 * time.Minute
	}
	timeoutSweepInterval := queueTimeout / 4
	if timeoutSweepInterval <= 0 {
		timeoutSweepInterval = 10 * time.Second
	}
	d.TimeoutSweeper = queue.NewTimeoutSweeper(d.Queue, d.Clock, eng, queueTimeout, timeoutSweepInterval, logger)

	d.Reactivation = reactivation.New(d.Tickets, d.Runs, d.Queue, d.Triggers, d.LockManager, core.AlwaysReopenAnalyzer{}, reactivation.Config{
		MaxReactivationDepth: orchCfg.MaxReactivationDepth,
	}, logger)

	d.Rendezvous = validation.New(d.Validations, d.Runs, d.Tickets, d.Queue, eng, d.Reactivation, d.Clock, validation.Config{
		MaxRejections: orchCfg.MaxRejections,
	}, logger)
	d.ExpirySweeper = validation.NewExpirySweeper(d.Validations, d.Runs, d.Tickets, d.Queue, eng, d.Clock, time.Minute, logger)

	d.Intake = webhook.New(d.WebhookEvents, d.Tickets, d.Queue, d.Rendezvous, d.LockManager, d.Reactivation, webhook.Config{
		MaxRequestSize: cfg.Webhook.MaxRequestSize,
		DedupWindow:    cfg.Webhook.DedupWindow,
		PerIPLimit:     cfg.Webhook.RateLimiting.PerIPLimit,
		GlobalLimit:    cfg.Webhook.RateLimiting.GlobalLimit,
	}, logger)

	d.RealtimeMetrics = realtime.NewRealtimeMetrics("orchestrator")
	d.EventBus = realtime.NewEventBus(logger, d.RealtimeMetrics)
	d.Publisher = realtime.NewEventPublisher(d.EventBus, logger, d.RealtimeMetrics)

	return d, nil
}

func (d *Dependencies) connectStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Profile == config.ProfileLite {
		path := cfg.Storage.FilesystemPath
		if path == "" {
			path = "./data/orchestrator.db"
		}
		store, err := sqlite.Connect(ctx, sqlite.Config{Path: path}, logger)
		if err != nil {
			return fmt.Errorf("connect sqlite store: %w", err)
		}
		d.closers = append(d.closers, func() { _ = store.Close() })
		d.Tickets = store.Tickets()
		d.Runs = store.Runs()
		d.Steps = store.Steps()
		d.Validations = store.Validations()
		d.Queue = store.Queue()
		d.Locks = store.Locks()
		d.History = store.History()
		d.Triggers = store.ReactivationTriggers()
		d.Failures = store.RunFailures()
		d.WebhookEvents = store.WebhookEvents()
		return nil
	}

	store, err := postgres.Connect(ctx, postgres.Config{
		DSN:               cfg.Database.URL,
		MaxConns:          int32(cfg.Database.MaxConnections),
		MinConns:          int32(cfg.Database.MinConnections),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
		HealthCheckPeriod: 30 * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect postgres store: %w", err)
	}
	d.closers = append(d.closers, func() { store.Close() })
	d.Tickets = store.Tickets()
	d.Runs = store.Runs()
	d.Steps = store.Steps()
	d.Validations = store.Validations()
	d.Queue = store.Queue()
	d.Locks = store.Locks()
	d.History = store.History()
	d.Triggers = store.ReactivationTriggers()
	d.Failures = store.RunFailures()
	d.WebhookEvents = store.WebhookEvents()
	return nil
}

// buildAllocator wires the Redis broker for the Standard profile, or a
// local stand-in for Lite (spec's Lite profile: zero external dependencies).
func (d *Dependencies) buildAllocator(cfg *config.Config, logger *slog.Logger) (queue.DispatchHandleAllocator, error) {
	if cfg.Profile == config.ProfileLite {
		return queue.LocalHandleAllocator{}, nil
	}
	b, err := broker.New(broker.Config{
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
		Stream:   cfg.Broker.Stream,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	d.closers = append(d.closers, func() { _ = b.Close() })
	d.Broker = b
	return b, nil
}
