package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/metrics"
)

// RunCanceller is the subset of the engine the timeout sweeper calls to fail
// the run owning a timed-out queue entry.
type RunCanceller interface {
	FailRunForQueueTimeout(ctx context.Context, entry *core.QueueEntry) error
}

// TimeoutSweeper enforces the orchestrator-wide wall-clock budget on entries
// stuck in running (spec §4.4: "a configurable wall-clock budget... measured
// from started_at, not enqueued_at"). Shape grounded on the same gc_worker.go
// ticker loop reused for internal/lock.Sweeper.
type TimeoutSweeper struct {
	repo     core.QueueRepository
	clock    core.Clock
	runs     RunCanceller
	budget   time.Duration
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTimeoutSweeper constructs a TimeoutSweeper.
func NewTimeoutSweeper(repo core.QueueRepository, clock core.Clock, runs RunCanceller, budget, interval time.Duration, logger *slog.Logger) *TimeoutSweeper {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutSweeper{
		repo:     repo,
		clock:    clock,
		runs:     runs,
		budget:   budget,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweeper loop in a background goroutine.
func (s *TimeoutSweeper) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info("queue timeout sweeper started", "budget", s.budget, "interval", s.interval)
}

func (s *TimeoutSweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce finds every running entry whose started_at predates the wall-clock
// budget, transitions it to timeout, and fails the owning run with
// ReasonOrchestratorTimeout (spec §4.4, §8).
func (s *TimeoutSweeper) RunOnce(ctx context.Context) {
	deadline := s.clock.Now().Add(-s.budget)

	entries, err := s.repo.RunningPastDeadline(ctx, deadline)
	if err != nil {
		s.logger.Error("queue timeout sweep failed", "error", err)
		return
	}

	for _, entry := range entries {
		if err := s.repo.CompareAndUpdateStatus(ctx, entry.ID, core.QueueRunning, core.QueueTimeout); err != nil {
			s.logger.Error("failed to mark queue entry timed out", "queue_entry_id", entry.ID, "error", err)
			continue
		}
		s.logger.Warn("queue entry timed out", "queue_entry_id", entry.ID, "item_id", entry.ExternalItemID, "budget", s.budget)
		metrics.QueueTimeoutSweepTotal.Inc()

		if err := s.runs.FailRunForQueueTimeout(ctx, entry); err != nil {
			s.logger.Error("failed to fail run for timed-out queue entry", "queue_entry_id", entry.ID, "error", err)
		}
	}
}

// Stop gracefully stops the sweeper loop.
func (s *TimeoutSweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
