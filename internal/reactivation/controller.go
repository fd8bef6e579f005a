// Package reactivation implements the Reactivation Controller: classifying
// inbound events against terminal-state tickets and, when warranted,
// spawning a child run that resumes the ticket's work from a later step
// (spec §4.7).
package reactivation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/metrics"
)

// LockChecker is the subset of internal/lock.Manager the controller needs:
// a cooldown check and a probe acquire/release used only to detect whether
// the ticket is currently held by an in-flight run, not to hold the lock
// across the spawned run's lifetime (the engine re-acquires its own lock,
// under its own holder name, once the queued entry dispatches).
type LockChecker interface {
	IsInCooldown(ctx context.Context, ticketID int64) (bool, error)
	AcquireLock(ctx context.Context, ticketID int64, holder string) error
	ReleaseLock(ctx context.Context, ticketID int64, holder string) error
}

// Config holds reactivation tuning, bound from internal/config.OrchestratorConfig.
type Config struct {
	MaxReactivationDepth int
}

// Controller drives spec §4.7's classify-then-reopen flow.
type Controller struct {
	tickets  core.TicketRepository
	runs     core.RunRepository
	queue    core.QueueRepository
	triggers core.ReactivationTriggerRepository
	lock     LockChecker
	analyzer core.ReactivationAnalyzer
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Controller.
func New(
	tickets core.TicketRepository,
	runs core.RunRepository,
	queue core.QueueRepository,
	triggers core.ReactivationTriggerRepository,
	lock LockChecker,
	analyzer core.ReactivationAnalyzer,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	if cfg.MaxReactivationDepth <= 0 {
		cfg.MaxReactivationDepth = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		tickets:  tickets,
		runs:     runs,
		queue:    queue,
		triggers: triggers,
		lock:     lock,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle classifies an inbound event against a ticket already in a terminal
// state and acts on the classification. ignore and answer_question are
// no-ops from the controller's perspective — answer_question is routed by
// the external messaging surface (§6), not by reopening any run.
func (c *Controller) Handle(ctx context.Context, ticket *core.Ticket, eventPayload []byte) error {
	classification, err := c.analyzer.Classify(ctx, ticket, eventPayload)
	if err != nil {
		return fmt.Errorf("reactivation: classify ticket %d: %w", ticket.ID, err)
	}

	switch classification {
	case core.ClassificationIgnore:
		c.logger.Debug("reactivation: event classified ignore", "ticket_id", ticket.ID)
		return nil
	case core.ClassificationAnswerQuestion:
		c.logger.Debug("reactivation: event classified answer_question", "ticket_id", ticket.ID)
		return nil
	case core.ClassificationReopenWithNewRequirement:
		return c.reopen(ctx, ticket, eventPayload)
	default:
		return fmt.Errorf("reactivation: unrecognized classification %q", classification)
	}
}

func (c *Controller) reopen(ctx context.Context, ticket *core.Ticket, payload []byte) error {
	var parentRun *core.Run
	if ticket.LastRunID != nil {
		pr, err := c.runs.GetByID(ctx, *ticket.LastRunID)
		if err != nil {
			return fmt.Errorf("reactivation: load parent run %d: %w", *ticket.LastRunID, err)
		}
		parentRun = pr
	}
	return c.spawnChild(ctx, ticket, parentRun, payload)
}

// SpawnFollowup implements internal/validation.ReactivationSpawner: the
// Validation Rendezvous hands off directly here on a changes_requested
// decision, already holding the parent run, with no classification step —
// the human's review comments ARE the new requirement.
func (c *Controller) SpawnFollowup(ctx context.Context, ticket *core.Ticket, parentRun *core.Run, reason string, payload []byte) error {
	return c.spawnChild(ctx, ticket, parentRun, payload)
}

// spawnChild implements spec §4.7 steps 1-5, shared by both entry points:
// cooldown check, lock-refusal probe, status snapshot, child Run creation
// with depth-bounded reactivation_count, and enqueue with the reactivation
// flag set so the dispatcher starts the run at `analyze` rather than
// `prepare`.
func (c *Controller) spawnChild(ctx context.Context, ticket *core.Ticket, parentRun *core.Run, payload []byte) error {
	cooling, err := c.lock.IsInCooldown(ctx, ticket.ID)
	if err != nil {
		return fmt.Errorf("reactivation: cooldown check ticket %d: %w", ticket.ID, err)
	}
	if cooling {
		c.logTrigger(ctx, ticket.ID, "skipped_cooldown", "ticket is in cooldown")
		return &core.ErrTicketCoolingDown{TicketID: ticket.ID}
	}

	probeHolder := fmt.Sprintf("reactivation-probe-%d", ticket.ID)
	if err := c.lock.AcquireLock(ctx, ticket.ID, probeHolder); err != nil {
		var refused *core.ErrLockRefused
		if errors.As(err, &refused) {
			c.logTrigger(ctx, ticket.ID, "skipped_locked", "ticket lock held by an in-flight run")
			return err
		}
		return fmt.Errorf("reactivation: lock probe ticket %d: %w", ticket.ID, err)
	}
	defer func() {
		if err := c.lock.ReleaseLock(ctx, ticket.ID, probeHolder); err != nil {
			c.logger.Warn("reactivation: probe lock release failed", "ticket_id", ticket.ID, "error", err)
		}
	}()

	reactivationCount := 1
	if parentRun != nil {
		reactivationCount = parentRun.ReactivationCount + 1
	}
	if reactivationCount > c.cfg.MaxReactivationDepth {
		c.logTrigger(ctx, ticket.ID, "reactivation_depth_exceeded", "")
		return &core.ErrReactivationDepthExceeded{TicketID: ticket.ID, Depth: reactivationCount, Max: c.cfg.MaxReactivationDepth}
	}

	if err := c.tickets.SnapshotPreviousStatus(ctx, ticket.ID); err != nil {
		return fmt.Errorf("reactivation: snapshot previous status ticket %d: %w", ticket.ID, err)
	}
	if err := c.tickets.CompareAndUpdateStatus(ctx, ticket.ID, ticket.CurrentStatus, core.TicketProcessing, "reactivation", "reopened"); err != nil {
		return fmt.Errorf("reactivation: transition ticket %d to processing: %w", ticket.ID, err)
	}

	runNumber, err := c.runs.NextRunNumber(ctx, ticket.ID)
	if err != nil {
		return fmt.Errorf("reactivation: next run number ticket %d: %w", ticket.ID, err)
	}

	var parentRunID *int64
	if parentRun != nil {
		parentRunID = &parentRun.ID
	}
	run := &core.Run{
		TicketID:          ticket.ID,
		RunNumber:         runNumber,
		CurrentStatus:     core.RunStarted,
		ParentRunID:       parentRunID,
		IsReactivation:    true,
		ReactivationDepth: reactivationCount,
		ReactivationCount: reactivationCount,
	}
	if err := c.runs.Create(ctx, run); err != nil {
		return fmt.Errorf("reactivation: create child run ticket %d: %w", ticket.ID, err)
	}
	if err := c.tickets.UpdateLastRunID(ctx, ticket.ID, run.ID); err != nil {
		return fmt.Errorf("reactivation: set last_run_id ticket %d: %w", ticket.ID, err)
	}

	entry := &core.QueueEntry{
		ExternalItemID: ticket.ExternalID,
		Payload:        payload,
		IsReactivation: true,
		CurrentStatus:  core.QueuePending,
	}
	if err := c.queue.Insert(ctx, entry); err != nil {
		return fmt.Errorf("reactivation: enqueue ticket %d: %w", ticket.ID, err)
	}

	c.logTrigger(ctx, ticket.ID, "spawned", "")
	c.logger.Info("reactivation: child run spawned", "ticket_id", ticket.ID, "run_id", run.ID, "reactivation_count", reactivationCount)
	return nil
}

func (c *Controller) logTrigger(ctx context.Context, ticketID int64, action, reason string) {
	metrics.ReactivationsTotal.WithLabelValues(action).Inc()
	if c.triggers == nil {
		return
	}
	if err := c.triggers.Create(ctx, &core.ReactivationTrigger{TicketID: ticketID, Action: action, Reason: reason}); err != nil {
		c.logger.Warn("reactivation: could not record trigger row", "ticket_id", ticketID, "action", action, "error", err)
	}
}

// Tree returns the full reactivation chain for a run, root-first, by
// walking parent_run_id with the same depth bound applied to new spawns
// (spec §4.7: "cycle-safety is enforced by a depth bound").
func (c *Controller) Tree(ctx context.Context, runID int64) ([]*core.Run, error) {
	return c.runs.WalkAncestry(ctx, runID, c.cfg.MaxReactivationDepth)
}
