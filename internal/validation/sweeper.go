package validation

import (
	"context"
	"log/slog"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/metrics"
)

// ExpirySweeper promotes pending Validations past their expires_at to
// expired and fails the owning run, per spec §4.6: "an expiry sweeper
// promotes pending validations past their TTL to expired." Grounded on the
// same ticker-loop shape as internal/lock.Sweeper and
// internal/queue.TimeoutSweeper.
type ExpirySweeper struct {
	validations core.ValidationRepository
	runs        core.RunRepository
	tickets     core.TicketRepository
	queue       core.QueueRepository
	engine      EngineResumer
	clock       core.Clock
	interval    time.Duration
	logger      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewExpirySweeper constructs an ExpirySweeper.
func NewExpirySweeper(
	validations core.ValidationRepository,
	runs core.RunRepository,
	tickets core.TicketRepository,
	queue core.QueueRepository,
	engine EngineResumer,
	clock core.Clock,
	interval time.Duration,
	logger *slog.Logger,
) *ExpirySweeper {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweeper{
		validations: validations,
		runs:        runs,
		tickets:     tickets,
		queue:       queue,
		engine:      engine,
		clock:       clock,
		interval:    interval,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the sweeper loop in a background goroutine.
func (s *ExpirySweeper) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info("validation expiry sweeper started", "interval", s.interval)
}

func (s *ExpirySweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("validation expiry sweeper stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Info("validation expiry sweeper stopped (explicit stop)")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Exported so an `orchestrator sweep
// --validations` subcommand can invoke it directly without starting the
// ticker loop.
func (s *ExpirySweeper) RunOnce(ctx context.Context) {
	expired, err := s.validations.ExpiredPending(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("validation expiry sweep failed", "error", err)
		return
	}
	for _, v := range expired {
		s.expireOne(ctx, v)
	}
	if len(expired) > 0 {
		s.logger.Info("validation expiry sweep complete", "expired_count", len(expired))
	}
}

func (s *ExpirySweeper) expireOne(ctx context.Context, v *core.Validation) {
	logger := s.logger.With("validation_uuid", v.ExternalUUID, "validation_id", v.ID)

	if err := s.validations.CompareAndUpdateStatus(ctx, v.ID, core.ValidationPending, core.ValidationExpiredStatus); err != nil {
		logger.Warn("validation transition to expired failed, may have been resolved concurrently", "error", err)
		return
	}

	run, err := s.runs.GetByID(ctx, v.RunID)
	if err != nil {
		logger.Error("could not load run for expired validation", "error", err)
		return
	}
	ticket, err := s.tickets.GetByID(ctx, run.TicketID)
	if err != nil {
		logger.Error("could not load ticket for expired validation", "error", err)
		return
	}
	var entry *core.QueueEntry
	if s.queue != nil {
		entry, err = s.queue.ActiveForItem(ctx, ticket.ExternalID)
		if err != nil {
			logger.Warn("could not load active queue entry for expired validation", "error", err)
		}
	}

	if err := s.engine.FailWaitingRun(ctx, run, ticket, entry, core.ReasonValidationExpired); err != nil {
		logger.Error("could not fail run for expired validation", "error", err)
		return
	}
	metrics.ValidationExpiriesTotal.Inc()
	metrics.ValidationDecisionsTotal.WithLabelValues("expired").Inc()
	logger.Warn("validation expired, run failed", "run_id", run.ID)
}
