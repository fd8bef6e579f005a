package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/metrics"
)

// Sweeper is the only legal unlock path other than explicit ReleaseLock
// (spec §4.3). It runs on a ticker no slower than TTL/3 and force-releases
// any lock whose locked_at is older than TTL, logging a warning event per
// release.
//
// Open Question decision (DESIGN.md): the lock is released by the engine
// itself when a run enters waiting_validation (option a) rather than kept
// alive by an idle keepalive (option b) for the duration of a pending
// validation. This sweeper therefore only ever catches locks abandoned by a
// crashed or stuck holder, never a healthy run waiting on a human response.
type Sweeper struct {
	repo     core.LockRepository
	clock    core.Clock
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper constructs a Sweeper. interval should be <= ttl/3 per spec §4.3.
func NewSweeper(repo core.LockRepository, clock core.Clock, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		repo:     repo,
		clock:    clock,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweeper loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info("lock sweeper started", "ttl", s.ttl, "interval", s.interval)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lock sweeper stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Info("lock sweeper stopped (explicit stop)")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep, force-releasing every stale lock. It is
// exported so `orchestrator sweep --locks` can invoke it directly without
// starting the ticker loop.
func (s *Sweeper) RunOnce(ctx context.Context) {
	released, err := s.repo.SweepStale(ctx, s.ttl, s.clock.Now())
	if err != nil {
		s.logger.Error("lock sweep failed", "error", err)
		return
	}
	for _, ticketID := range released {
		s.logger.Warn("force-released stale lock", "ticket_id", ticketID, "ttl", s.ttl)
	}
	if len(released) > 0 {
		metrics.LockSweepReleasedTotal.Add(float64(len(released)))
		s.logger.Info("lock sweep complete", "released_count", len(released))
	}
}

// Stop gracefully stops the sweeper loop. Safe to call once; RunOnce remains
// usable afterward for ad-hoc invocations.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
