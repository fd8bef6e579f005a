// Package validation implements the Validation Rendezvous: the human
// decision point a run parks at when it suspends on await_validation, and
// the single trusted entry point — the validation's external UUID — by
// which that decision resumes or terminates the run (spec §4.6).
package validation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/metrics"
)

// EngineResumer is the subset of internal/engine.Engine the rendezvous
// needs to hand a run back once a validation response arrives.
type EngineResumer interface {
	ResumeAfterValidation(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, resumeStep core.StepName, input []byte)
	FailWaitingRun(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, reason string) error
}

// ReactivationSpawner is the subset of the (separately built) Reactivation
// Controller this package hands off to when a validation comes back
// changes_requested: a human asked for rework, not a full reopen, but the
// mechanism that spawns the follow-up run is the same one (spec §4.6: "the
// Reactivation Controller will spawn a child run whose input carries the
// review comments").
type ReactivationSpawner interface {
	SpawnFollowup(ctx context.Context, ticket *core.Ticket, parentRun *core.Run, reason string, payload []byte) error
}

// Config holds rendezvous tuning, bound from internal/config.OrchestratorConfig.
type Config struct {
	MaxRejections int
}

// Rendezvous records human decisions against pending Validations and drives
// the run to its next state. It holds no in-process state beyond its
// collaborators, matching the rest of the core's "no shared mutable state"
// design.
type Rendezvous struct {
	validations  core.ValidationRepository
	runs         core.RunRepository
	tickets      core.TicketRepository
	queue        core.QueueRepository
	engine       EngineResumer
	reactivation ReactivationSpawner
	clock        core.Clock
	cfg          Config
	logger       *slog.Logger
}

// New constructs a Rendezvous. reactivation may be nil until the
// Reactivation Controller is wired in; changes_requested responses are then
// logged but not spawned.
func New(
	validations core.ValidationRepository,
	runs core.RunRepository,
	tickets core.TicketRepository,
	queue core.QueueRepository,
	engine EngineResumer,
	reactivation ReactivationSpawner,
	clock core.Clock,
	cfg Config,
	logger *slog.Logger,
) *Rendezvous {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRejections <= 0 {
		cfg.MaxRejections = 3
	}
	return &Rendezvous{
		validations:  validations,
		runs:         runs,
		tickets:      tickets,
		queue:        queue,
		engine:       engine,
		reactivation: reactivation,
		clock:        clock,
		cfg:          cfg,
		logger:       logger,
	}
}

// Decision is the human response recorded against a pending Validation.
type Decision struct {
	Status      string // approved | rejected | changes_requested
	Comments    string
	ValidatorID string
}

// RecordValidationResponse is the only resumption path for a run parked at
// await_validation (spec §4.6: "the external UUID is the only trusted
// correlation identity"). It is idempotent against replay: a validation no
// longer pending is rejected outright rather than re-actioned.
func (r *Rendezvous) RecordValidationResponse(ctx context.Context, externalUUID string, d Decision) error {
	v, err := r.validations.GetByUUID(ctx, externalUUID)
	if err != nil {
		return fmt.Errorf("validation: lookup %q: %w", externalUUID, err)
	}
	if v == nil {
		return fmt.Errorf("validation: no such validation %q", externalUUID)
	}
	if v.CurrentStatus != core.ValidationPending {
		return fmt.Errorf("validation %q is no longer pending (status=%s)", externalUUID, v.CurrentStatus)
	}
	if r.clock.Now().After(v.ExpiresAt) {
		return &core.ErrValidationExpired{ValidationUUID: externalUUID}
	}

	if err := r.validations.CreateResponse(ctx, &core.ValidationResponse{
		ValidationID: v.ID,
		Status:       d.Status,
		Comments:     d.Comments,
		ValidatorID:  d.ValidatorID,
	}); err != nil {
		return fmt.Errorf("validation: persist response for %q: %w", externalUUID, err)
	}

	run, err := r.runs.GetByID(ctx, v.RunID)
	if err != nil {
		return fmt.Errorf("validation: load run %d: %w", v.RunID, err)
	}
	ticket, err := r.tickets.GetByID(ctx, run.TicketID)
	if err != nil {
		return fmt.Errorf("validation: load ticket %d: %w", run.TicketID, err)
	}
	var entry *core.QueueEntry
	if r.queue != nil {
		entry, err = r.queue.ActiveForItem(ctx, ticket.ExternalID)
		if err != nil {
			r.logger.Warn("validation: could not load active queue entry", "ticket_id", ticket.ID, "error", err)
		}
	}

	var resolveErr error
	switch d.Status {
	case core.ValidationApproved:
		resolveErr = r.resolveApproved(ctx, v, run, ticket, entry, d)
	case core.ValidationRejected:
		resolveErr = r.resolveRejected(ctx, v, run, ticket, entry, d)
	case core.ValidationChangesRequested:
		resolveErr = r.resolveChangesRequested(ctx, v, run, ticket, entry, d)
	default:
		return fmt.Errorf("validation: unrecognized decision status %q", d.Status)
	}
	if resolveErr == nil {
		metrics.ValidationDecisionsTotal.WithLabelValues(d.Status).Inc()
	}
	return resolveErr
}

func (r *Rendezvous) resolveApproved(ctx context.Context, v *core.Validation, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, d Decision) error {
	if err := r.validations.CompareAndUpdateStatus(ctx, v.ID, core.ValidationPending, core.ValidationApproved); err != nil {
		return fmt.Errorf("validation: transition to approved: %w", err)
	}
	r.logger.Info("validation approved, resuming run at merge", "validation_uuid", v.ExternalUUID, "run_id", run.ID)
	r.engine.ResumeAfterValidation(ctx, run, ticket, entry, "merge", []byte(d.Comments))
	return nil
}

// resolveRejected implements spec §4.6's rejection-count-vs-limit logic: a
// rejection below the limit fails the run but leaves the ticket eligible for
// reactivation on the next inbound event; a rejection at the limit abandons
// the validation instead and fails the run with a distinct reason so
// operators can tell "will probably come back" apart from "gave up."
func (r *Rendezvous) resolveRejected(ctx context.Context, v *core.Validation, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, d Decision) error {
	count, err := r.validations.IncrementRejectionCount(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("validation: increment rejection count: %w", err)
	}

	if count >= r.cfg.MaxRejections {
		if err := r.validations.CompareAndUpdateStatus(ctx, v.ID, core.ValidationPending, core.ValidationAbandoned); err != nil {
			r.logger.Warn("validation transition to abandoned failed", "validation_uuid", v.ExternalUUID, "error", err)
		}
		r.logger.Warn("validation rejection limit reached, abandoning", "validation_uuid", v.ExternalUUID, "rejection_count", count, "limit", r.cfg.MaxRejections)
		return r.engine.FailWaitingRun(ctx, run, ticket, entry, core.ReasonValidationAbandonedLimit)
	}

	if err := r.validations.CompareAndUpdateStatus(ctx, v.ID, core.ValidationPending, core.ValidationRejected); err != nil {
		return fmt.Errorf("validation: transition to rejected: %w", err)
	}
	r.logger.Info("validation rejected, failing run for potential reactivation", "validation_uuid", v.ExternalUUID, "rejection_count", count)
	return r.engine.FailWaitingRun(ctx, run, ticket, entry, "validation_rejected")
}

// resolveChangesRequested fails the run and hands off to the Reactivation
// Controller so a child run can pick up the review comments as new input,
// rather than resuming the same run's step sequence in place.
func (r *Rendezvous) resolveChangesRequested(ctx context.Context, v *core.Validation, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, d Decision) error {
	if err := r.validations.CompareAndUpdateStatus(ctx, v.ID, core.ValidationPending, core.ValidationChangesRequested); err != nil {
		return fmt.Errorf("validation: transition to changes_requested: %w", err)
	}
	if err := r.engine.FailWaitingRun(ctx, run, ticket, entry, core.ReasonChangesRequested); err != nil {
		return err
	}
	if r.reactivation == nil {
		r.logger.Warn("changes_requested with no reactivation controller wired, run left failed", "validation_uuid", v.ExternalUUID, "run_id", run.ID)
		return nil
	}
	if err := r.reactivation.SpawnFollowup(ctx, ticket, run, core.ReasonChangesRequested, []byte(d.Comments)); err != nil {
		r.logger.Error("could not spawn changes_requested followup run", "ticket_id", ticket.ID, "error", err)
		return fmt.Errorf("validation: spawn changes_requested followup: %w", err)
	}
	return nil
}
