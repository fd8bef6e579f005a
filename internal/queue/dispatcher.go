// Package queue implements the Per-Item Queue: the FIFO of pending work per
// external item, guaranteeing at-most-one running entry per item despite
// concurrent inbound webhook delivery.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/metrics"
)

// RunStarter is the callback the dispatcher invokes once it has claimed a
// queue entry and transitioned it to running; it binds control to the Run
// Engine. Returning an error fails the claimed entry.
type RunStarter interface {
	StartRun(ctx context.Context, entry *core.QueueEntry) error
}

// Dispatcher repeatedly claims the highest-priority pending entry (oldest
// first among equal priorities) of an item ID that has no entry already
// running or waiting_validation, using
// FOR UPDATE SKIP LOCKED so multiple dispatcher replicas do not collide
// (spec §4.4). Claim semantics are adapted from the retrieval pack's
// ClaimNextJob availability-timeout pattern, narrowed from "claim any job"
// to "claim the head of one eligible item's FIFO."
type Dispatcher struct {
	repo   core.QueueRepository
	runs   RunStarter
	broker DispatchHandleAllocator
	logger *slog.Logger

	pollInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// DispatchHandleAllocator mints the broker's work-item ID assigned to a
// claimed entry (spec §4.4 step 3).
type DispatchHandleAllocator interface {
	AllocateHandle(ctx context.Context, entry *core.QueueEntry) (string, error)
}

// Config holds dispatcher tuning.
type Config struct {
	PollInterval time.Duration
}

// NewDispatcher constructs a Dispatcher. Cooldown is not re-checked here:
// it gates whether the Reactivation Controller enqueues a new entry in the
// first place (spec §4.3), not whether an already-queued entry may run.
func NewDispatcher(repo core.QueueRepository, runs RunStarter, broker DispatchHandleAllocator, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		repo:         repo,
		runs:         runs,
		broker:       broker,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run starts the dispatcher poll loop. Blocks until ctx is cancelled or Stop
// is called; intended to be run in its own goroutine from cmd/orchestrator's
// serve command, possibly as several concurrent instances (spec §5:
// "parallel-threads style").
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

// Stop signals the dispatcher loop to exit and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

// pollOnce claims and dispatches at most one entry; it is re-entered
// immediately on the next tick so backlog drains without external
// re-triggering (spec §4.4 step 4). Errors are logged, not fatal — a single
// bad claim must not stop the loop.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	entry, err := d.repo.ClaimNext(ctx)
	if err != nil {
		metrics.QueueDispatchTotal.WithLabelValues("error").Inc()
		d.logger.Error("queue claim failed", "error", err)
		return
	}
	if entry == nil {
		metrics.QueueDispatchTotal.WithLabelValues("empty").Inc()
		return
	}

	if err := d.dispatch(ctx, entry); err != nil {
		metrics.QueueDispatchTotal.WithLabelValues("error").Inc()
		d.logger.Error("queue dispatch failed", "queue_entry_id", entry.ID, "item_id", entry.ExternalItemID, "error", err)
		return
	}
	metrics.QueueDispatchTotal.WithLabelValues("claimed").Inc()
}

func (d *Dispatcher) dispatch(ctx context.Context, entry *core.QueueEntry) error {
	handle, err := d.broker.AllocateHandle(ctx, entry)
	if err != nil {
		return fmt.Errorf("queue: allocate dispatch handle: %w", err)
	}
	if err := d.repo.SetDispatchHandle(ctx, entry.ID, handle); err != nil {
		return fmt.Errorf("queue: set dispatch handle: %w", err)
	}
	entry.DispatchHandle = handle

	// ClaimNext has already moved the entry pending -> running.
	d.logger.Info("queue entry dispatched", "queue_entry_id", entry.ID, "item_id", entry.ExternalItemID, "dispatch_handle", handle)

	if err := d.runs.StartRun(ctx, entry); err != nil {
		if ferr := d.repo.CompareAndUpdateStatus(ctx, entry.ID, core.QueueRunning, core.QueueFailed); ferr != nil {
			d.logger.Error("failed to mark queue entry failed after run start error", "queue_entry_id", entry.ID, "error", ferr)
		}
		return fmt.Errorf("queue: start run for entry %d: %w", entry.ID, err)
	}
	return nil
}

// Suspend transitions a claimed entry to waiting_validation: the item
// remains occupied (the dispatcher's claim still excludes it), so unlike
// Complete this does not re-poll the item's backlog.
func (d *Dispatcher) Suspend(ctx context.Context, entry *core.QueueEntry, from, to string) error {
	if err := d.repo.CompareAndUpdateStatus(ctx, entry.ID, from, to); err != nil {
		return fmt.Errorf("queue: suspend entry %d: %w", entry.ID, err)
	}
	return nil
}

// Complete transitions a claimed entry to its terminal state once the bound
// run concludes, then immediately re-polls the same item so the next
// pending entry for it, if any, is picked up without waiting for the next
// tick (spec §4.4 step 4).
func (d *Dispatcher) Complete(ctx context.Context, entry *core.QueueEntry, from, to string) error {
	if err := d.repo.CompareAndUpdateStatus(ctx, entry.ID, from, to); err != nil {
		return fmt.Errorf("queue: complete entry %d: %w", entry.ID, err)
	}
	d.pollOnce(ctx)
	return nil
}

// ActiveForItem exposes the repository lookup of the same name so callers
// holding only the dispatcher (its QueueCompleter view) can still locate an
// item's live entry, e.g. for operator-initiated cancellation.
func (d *Dispatcher) ActiveForItem(ctx context.Context, externalItemID string) (*core.QueueEntry, error) {
	return d.repo.ActiveForItem(ctx, externalItemID)
}
