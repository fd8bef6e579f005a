// Package engine implements the Run Engine: the step dispatch loop that
// drives a run through the canonical step sequence, persists checkpoints,
// and recovers in-flight runs after a restart.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/core/resilience"
	"github.com/orchestrator-io/change-orchestrator/internal/metrics"
)

// LockManager is the subset of internal/lock.Manager the engine needs. A
// run holds the ticket's advisory lock for its entire lifetime except the
// waiting_validation window (DESIGN.md Open Question decision: released on
// unbind, re-acquired on resume).
type LockManager interface {
	AcquireLock(ctx context.Context, ticketID int64, holder string) error
	ReleaseLock(ctx context.Context, ticketID int64, holder string) error
	RecordReactivationFailure(ctx context.Context, ticketID int64) error
	RecordReactivationSuccess(ctx context.Context, ticketID int64) error
}

// QueueCompleter is the subset of internal/queue.Dispatcher the engine
// calls once a run reaches a terminal or waiting state, so the owning
// queue entry's status tracks the run's.
type QueueCompleter interface {
	Complete(ctx context.Context, entry *core.QueueEntry, from, to string) error
	Suspend(ctx context.Context, entry *core.QueueEntry, from, to string) error
}

// Config holds engine tuning, bound from internal/config.OrchestratorConfig.
type Config struct {
	DefaultMaxStepRetries  int
	StepRetryBackoffBase   time.Duration
	ValidationTTL          time.Duration
	MaxRejections          int
}

// Engine drives runs through the canonical step sequence.
type Engine struct {
	tickets     core.TicketRepository
	runs        core.RunRepository
	steps       core.StepRepository
	validations core.ValidationRepository
	failures    core.RunFailureRepository
	lock        LockManager
	queue       QueueCompleter
	notifier    core.Notifier
	clock       core.Clock
	cfg         Config
	logger      *slog.Logger

	handlers map[core.StepName]core.StepHandler
}

// New constructs an Engine. Step handlers are registered afterward via
// RegisterHandler — the engine ships with none bound, per spec §4.5: "the
// engine does not embed the handler logic."
func New(
	tickets core.TicketRepository,
	runs core.RunRepository,
	steps core.StepRepository,
	validations core.ValidationRepository,
	failures core.RunFailureRepository,
	lock LockManager,
	queue QueueCompleter,
	notifier core.Notifier,
	clock core.Clock,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultMaxStepRetries <= 0 {
		cfg.DefaultMaxStepRetries = 3
	}
	if cfg.StepRetryBackoffBase <= 0 {
		cfg.StepRetryBackoffBase = 30 * time.Second
	}
	if cfg.ValidationTTL <= 0 {
		cfg.ValidationTTL = 72 * time.Hour
	}
	if cfg.MaxRejections <= 0 {
		cfg.MaxRejections = 3
	}
	return &Engine{
		tickets:     tickets,
		runs:        runs,
		steps:       steps,
		validations: validations,
		failures:    failures,
		lock:        lock,
		queue:       queue,
		notifier:    notifier,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
		handlers:    make(map[core.StepName]core.StepHandler),
	}
}

// RegisterHandler binds a step name to the handler invoked when the engine
// reaches it.
func (e *Engine) RegisterHandler(name core.StepName, h core.StepHandler) {
	e.handlers[name] = h
}

// BindQueue sets the QueueCompleter once the Dispatcher exists. The two
// constructors are mutually referential (the dispatcher needs the engine as
// its RunStarter), so wiring completes in two steps: New(..., nil, ...) then
// BindQueue once the dispatcher is built.
func (e *Engine) BindQueue(queue QueueCompleter) {
	e.queue = queue
}

func lockHolder(runID int64) string {
	return fmt.Sprintf("engine-run-%d", runID)
}

// StartRun creates a Run for the queue entry's item and drives it through
// the canonical step sequence in a background goroutine. Reactivation
// entries start at `analyze` instead of `prepare` (spec §4.7 step 5).
func (e *Engine) StartRun(ctx context.Context, entry *core.QueueEntry) error {
	ticket, err := e.tickets.GetByExternalID(ctx, entry.ExternalItemID)
	if err != nil {
		return fmt.Errorf("engine: load ticket %q: %w", entry.ExternalItemID, err)
	}

	runNumber, err := e.runs.NextRunNumber(ctx, ticket.ID)
	if err != nil {
		return fmt.Errorf("engine: next run number: %w", err)
	}

	startIdx := 0
	if entry.IsReactivation {
		startIdx = core.StepOrder("analyze") - 1
	}

	run := &core.Run{
		TicketID:       ticket.ID,
		RunNumber:      runNumber,
		CurrentStatus:  core.RunStarted,
		IsReactivation: entry.IsReactivation,
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return fmt.Errorf("engine: create run: %w", err)
	}

	if err := e.tickets.UpdateLastRunID(ctx, ticket.ID, run.ID); err != nil {
		return fmt.Errorf("engine: set last_run_id: %w", err)
	}

	go e.driveRun(ctx, run, ticket, entry, startIdx)
	return nil
}

// driveRun owns the entire lifetime of one run, one goroutine per run, per
// the same pattern the retrieval pack's transaction orchestrator uses for
// per-contract processing loops.
func (e *Engine) driveRun(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, startIdx int) {
	if err := e.lock.AcquireLock(ctx, ticket.ID, lockHolder(run.ID)); err != nil {
		e.logger.Warn("run could not acquire ticket lock, failing", "run_id", run.ID, "ticket_id", ticket.ID, "error", err)
		e.finishRun(ctx, run, entry, core.RunFailed, "lock_refused")
		return
	}

	if run.CurrentStatus == core.RunStarted {
		if err := e.runs.CompareAndUpdateStatus(ctx, run.ID, core.RunStarted, core.RunRunning, ""); err != nil {
			e.logger.Error("run could not transition to running", "run_id", run.ID, "error", err)
			return
		}
		run.CurrentStatus = core.RunRunning
	}
	if ticket.CurrentStatus != core.TicketProcessing {
		if err := e.tickets.CompareAndUpdateStatus(ctx, ticket.ID, ticket.CurrentStatus, core.TicketProcessing, "engine", "run started"); err != nil {
			e.logger.Warn("ticket status transition to processing failed", "ticket_id", ticket.ID, "error", err)
		} else {
			ticket.CurrentStatus = core.TicketProcessing
		}
	}

	var input []byte = entry.Payload
	for i := startIdx; i < len(core.CanonicalSteps); i++ {
		stepName := core.CanonicalSteps[i]

		outcome, output := e.runStep(ctx, run, ticket, entry, stepName, input)
		switch outcome {
		case stepOutcomeContinue:
			input = output
			e.updateProgress(ctx, run, i+1)
			continue
		case stepOutcomeSuspended:
			// The engine has unbound itself from the run; a named external
			// signal (validation response) drives resumption.
			return
		case stepOutcomeFailed:
			// failRun has no handle on the queue entry; complete it here once
			// the run is recorded as failed.
			if entry != nil && e.queue != nil {
				if cur, err := e.runs.GetByID(ctx, run.ID); err == nil && cur != nil && cur.CurrentStatus == core.RunFailed {
					if err := e.queue.Complete(ctx, entry, core.QueueRunning, core.QueueFailed); err != nil {
						e.logger.Error("queue entry completion failed", "queue_entry_id", entry.ID, "error", err)
					}
				}
			}
			return
		}
	}

	e.completeRun(ctx, run, ticket, entry)
}

type runStepOutcome int

const (
	stepOutcomeContinue runStepOutcome = iota
	stepOutcomeSuspended
	stepOutcomeFailed
)

// runStep executes a single step to its conclusion, including the
// step-local linear-backoff retry loop (spec §4.5: "re-dispatch after a
// linear back-off, e.g. 30s * retry_count"). It returns the step's output
// when it completes, for the caller to propagate as the next step's input.
func (e *Engine) runStep(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, stepName core.StepName, input []byte) (runStepOutcome, []byte) {
	handler, ok := e.handlers[stepName]
	if !ok {
		e.logger.Error("no handler registered for step", "step", stepName)
		e.failRun(ctx, run, ticket, nil, "no handler registered for step "+string(stepName))
		return stepOutcomeFailed, nil
	}

	step, err := e.getOrCreateStep(ctx, run, stepName)
	if err != nil {
		e.logger.Error("could not materialize step", "run_id", run.ID, "step", stepName, "error", err)
		return stepOutcomeFailed, nil
	}

	if err := e.runs.SetCurrentStep(ctx, run.ID, string(stepName)); err != nil {
		e.logger.Warn("could not record current step on run", "run_id", run.ID, "step", stepName, "error", err)
	}

	for {
		if step.CurrentStatus != core.StepRunning {
			if err := e.steps.CompareAndUpdateStatus(ctx, step.ID, step.CurrentStatus, core.StepRunning); err != nil {
				e.logger.Error("step transition to running failed", "step_id", step.ID, "error", err)
				return stepOutcomeFailed, nil
			}
			step.CurrentStatus = core.StepRunning
		}

		result, err := handler.Handle(ctx, run.ID, step.ID, input, step.CheckpointData)
		if err != nil {
			// Infrastructure-level error invoking the handler itself, not a
			// handler-reported outcome; the call is retried with
			// resilience.DefaultRetryPolicy, and if every attempt errors the
			// step fails without using its own retry budget.
			retryErr := resilience.WithRetry(ctx, resilience.DefaultRetryPolicy(), func() error {
				result, err = handler.Handle(ctx, run.ID, step.ID, input, step.CheckpointData)
				return err
			})
			if retryErr != nil {
				e.failStep(ctx, run, ticket, step, "handler invocation error: "+retryErr.Error())
				return stepOutcomeFailed, nil
			}
		}

		switch result.Outcome {
		case core.OutcomeCompleted:
			if err := e.steps.SetOutput(ctx, step.ID, result.Output); err != nil {
				e.logger.Error("could not persist step output", "step_id", step.ID, "error", err)
			}
			if err := e.steps.CompareAndUpdateStatus(ctx, step.ID, core.StepRunning, core.StepCompleted); err != nil {
				e.logger.Error("step transition to completed failed", "step_id", step.ID, "error", err)
				return stepOutcomeFailed, nil
			}
			return stepOutcomeContinue, result.Output

		case core.OutcomeSuspend:
			if err := e.steps.SetCheckpoint(ctx, step.ID, result.Checkpoint, result.Resumable); err != nil {
				e.logger.Error("could not persist step checkpoint", "step_id", step.ID, "error", err)
			}
			if stepName == "await_validation" {
				e.beginValidationRendezvous(ctx, run, ticket, entry, step, result.Checkpoint)
			} else {
				if err := e.lock.ReleaseLock(ctx, ticket.ID, lockHolder(run.ID)); err != nil {
					e.logger.Warn("lock release on suspend failed", "ticket_id", ticket.ID, "error", err)
				}
			}
			return stepOutcomeSuspended, nil

		case core.OutcomeRetry:
			next, err := e.steps.IncrementRetry(ctx, step.ID)
			if err != nil {
				e.logger.Error("could not increment step retry count", "step_id", step.ID, "error", err)
				return stepOutcomeFailed, nil
			}
			if next >= step.MaxRetries {
				metrics.StepRetriesTotal.WithLabelValues(string(stepName), "exhausted").Inc()
				e.failStep(ctx, run, ticket, step, result.Reason)
				return stepOutcomeFailed, nil
			}
			metrics.StepRetriesTotal.WithLabelValues(string(stepName), "retry").Inc()
			if err := e.steps.CompareAndUpdateStatus(ctx, step.ID, core.StepRunning, core.StepPending); err != nil {
				e.logger.Error("step transition to pending for retry failed", "step_id", step.ID, "error", err)
				return stepOutcomeFailed, nil
			}
			step.CurrentStatus = core.StepPending
			step.RetryCount = next
			backoff := time.Duration(next) * e.cfg.StepRetryBackoffBase
			e.logger.Info("step scheduled for retry", "step_id", step.ID, "attempt", next, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return stepOutcomeFailed, nil
			}
			continue

		case core.OutcomeFail:
			if !result.Retryable {
				e.failStep(ctx, run, ticket, step, result.Reason)
				return stepOutcomeFailed, nil
			}
			// Unclassified/explicitly-retryable terminal failure from the
			// handler is treated the same as OutcomeRetry (spec §7).
			next, err := e.steps.IncrementRetry(ctx, step.ID)
			if err != nil || next >= step.MaxRetries {
				metrics.StepRetriesTotal.WithLabelValues(string(stepName), "exhausted").Inc()
				e.failStep(ctx, run, ticket, step, result.Reason)
				return stepOutcomeFailed, nil
			}
			metrics.StepRetriesTotal.WithLabelValues(string(stepName), "retry").Inc()
			if err := e.steps.CompareAndUpdateStatus(ctx, step.ID, core.StepRunning, core.StepPending); err != nil {
				e.logger.Error("step transition to pending for retry failed", "step_id", step.ID, "error", err)
				return stepOutcomeFailed, nil
			}
			step.CurrentStatus = core.StepPending
			step.RetryCount = next
			select {
			case <-time.After(time.Duration(next) * e.cfg.StepRetryBackoffBase):
			case <-ctx.Done():
				return stepOutcomeFailed, nil
			}
			continue

		default:
			e.failStep(ctx, run, ticket, step, "handler returned unrecognized outcome")
			return stepOutcomeFailed, nil
		}
	}
}

func (e *Engine) getOrCreateStep(ctx context.Context, run *core.Run, stepName core.StepName) (*core.Step, error) {
	existing, err := e.steps.GetByRunAndName(ctx, run.ID, string(stepName))
	if err == nil && existing != nil {
		return existing, nil
	}
	step := &core.Step{
		RunID:         run.ID,
		StepName:      string(stepName),
		StepOrder:     core.StepOrder(stepName),
		CurrentStatus: core.StepPending,
		MaxRetries:    e.cfg.DefaultMaxStepRetries,
	}
	if err := e.steps.Create(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

func (e *Engine) updateProgress(ctx context.Context, run *core.Run, completedCount int) {
	total := len(core.CanonicalSteps)
	percent := (completedCount * 100) / total
	if err := e.runs.SetProgress(ctx, run.ID, percent); err != nil {
		e.logger.Warn("could not persist run progress", "run_id", run.ID, "error", err)
	}
}

// beginValidationRendezvous creates the Validation row and transitions the
// run to waiting_validation per spec §4.6 steps 1-3. The engine releases
// the ticket lock here — the Open Question decision recorded in DESIGN.md —
// rather than holding it for the duration of the human response.
func (e *Engine) beginValidationRendezvous(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, step *core.Step, payload []byte) {
	v := &core.Validation{
		ExternalUUID:  uuid.NewString(),
		RunID:         run.ID,
		StepID:        step.ID,
		CurrentStatus: core.ValidationPending,
		Payload:       payload,
		ExpiresAt:     e.clock.Now().Add(e.cfg.ValidationTTL),
	}
	if err := e.validations.Create(ctx, v); err != nil {
		e.logger.Error("could not create validation", "run_id", run.ID, "error", err)
		e.failRun(ctx, run, ticket, nil, "could not create validation rendezvous")
		return
	}

	if err := e.runs.CompareAndUpdateStatus(ctx, run.ID, core.RunRunning, core.RunWaitingValidation, ""); err != nil {
		e.logger.Error("run transition to waiting_validation failed", "run_id", run.ID, "error", err)
	} else {
		run.CurrentStatus = core.RunWaitingValidation
	}
	if err := e.tickets.CompareAndUpdateStatus(ctx, ticket.ID, core.TicketProcessing, core.TicketAwaitingValidation, "engine", "awaiting validation"); err != nil {
		e.logger.Warn("ticket transition to awaiting_validation failed", "ticket_id", ticket.ID, "error", err)
	} else {
		ticket.CurrentStatus = core.TicketAwaitingValidation
	}
	if err := e.lock.ReleaseLock(ctx, ticket.ID, lockHolder(run.ID)); err != nil {
		e.logger.Warn("lock release on await_validation failed", "ticket_id", ticket.ID, "error", err)
	}
	if entry != nil && e.queue != nil {
		if err := e.queue.Suspend(ctx, entry, core.QueueRunning, core.QueueWaitingValidation); err != nil {
			e.logger.Warn("queue entry suspend to waiting_validation failed", "queue_entry_id", entry.ID, "error", err)
		}
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyValidationPending(ctx, core.ValidationPendingNotice{
			ValidationUUID: v.ExternalUUID,
			TicketID:       ticket.ID,
			Payload:        payload,
		}); err != nil {
			e.logger.Warn("validation-pending notification failed", "validation_uuid", v.ExternalUUID, "error", err)
		}
	}
}

// ResumeAfterValidation is called by internal/validation once a human
// response has been recorded and approves resumption at the given step.
// The engine re-acquires the ticket lock and resumes driveRun from the
// named step index.
func (e *Engine) ResumeAfterValidation(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, resumeStep core.StepName, input []byte) {
	startIdx := core.StepOrder(resumeStep) - 1
	if startIdx < 0 {
		startIdx = 0
	}
	if step, err := e.steps.GetByRunAndName(ctx, run.ID, "await_validation"); err != nil {
		e.logger.Warn("could not load await_validation step for completion", "run_id", run.ID, "error", err)
	} else if step != nil && step.CurrentStatus == core.StepRunning {
		if err := e.steps.CompareAndUpdateStatus(ctx, step.ID, core.StepRunning, core.StepCompleted); err != nil {
			e.logger.Error("await_validation step transition to completed failed", "step_id", step.ID, "error", err)
		}
	}
	if err := e.runs.CompareAndUpdateStatus(ctx, run.ID, core.RunWaitingValidation, core.RunRunning, ""); err != nil {
		e.logger.Error("run resume transition failed", "run_id", run.ID, "error", err)
		return
	}
	if entry != nil && e.queue != nil {
		if err := e.queue.Suspend(ctx, entry, core.QueueWaitingValidation, core.QueueRunning); err != nil {
			e.logger.Warn("queue entry resume to running failed", "queue_entry_id", entry.ID, "error", err)
		}
	}
	go e.driveRun(ctx, run, ticket, entry, startIdx)
}

func (e *Engine) failStep(ctx context.Context, run *core.Run, ticket *core.Ticket, step *core.Step, reason string) {
	if err := e.steps.CompareAndUpdateStatus(ctx, step.ID, step.CurrentStatus, core.StepFailed); err != nil {
		e.logger.Error("step transition to failed failed", "step_id", step.ID, "error", err)
	}
	e.failRun(ctx, run, ticket, step, reason)
}

func (e *Engine) failRun(ctx context.Context, run *core.Run, ticket *core.Ticket, step *core.Step, reason string) {
	if err := e.runs.CompareAndUpdateStatus(ctx, run.ID, run.CurrentStatus, core.RunFailed, reason); err != nil {
		e.logger.Error("run transition to failed failed", "run_id", run.ID, "error", err)
	}
	if err := e.tickets.CompareAndUpdateStatus(ctx, ticket.ID, ticket.CurrentStatus, core.TicketFailed, "engine", reason); err != nil {
		e.logger.Warn("ticket transition to failed failed", "ticket_id", ticket.ID, "error", err)
	}
	if step != nil && e.failures != nil {
		if err := e.failures.Create(ctx, &core.RunFailure{RunID: run.ID, StepID: step.ID, Reason: reason}); err != nil {
			e.logger.Warn("could not record run failure", "run_id", run.ID, "error", err)
		}
	}
	if err := e.lock.ReleaseLock(ctx, ticket.ID, lockHolder(run.ID)); err != nil {
		e.logger.Warn("lock release on failure failed", "ticket_id", ticket.ID, "error", err)
	}
	if err := e.lock.RecordReactivationFailure(ctx, ticket.ID); err != nil {
		e.logger.Warn("could not record reactivation failure / cooldown", "ticket_id", ticket.ID, "error", err)
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyRunCompleted(ctx, core.RunCompletedNotice{TicketID: ticket.ID, RunID: run.ID, Outcome: core.RunFailed}); err != nil {
			e.logger.Warn("run-completed notification failed", "run_id", run.ID, "error", err)
		}
	}
}

func (e *Engine) completeRun(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry) {
	e.finishRun(ctx, run, entry, core.RunCompleted, "")

	if err := e.tickets.CompareAndUpdateStatus(ctx, ticket.ID, ticket.CurrentStatus, core.TicketCompleted, "engine", "run completed"); err != nil {
		e.logger.Warn("ticket transition to completed failed", "ticket_id", ticket.ID, "error", err)
	}
	if err := e.lock.ReleaseLock(ctx, ticket.ID, lockHolder(run.ID)); err != nil {
		e.logger.Warn("lock release on completion failed", "ticket_id", ticket.ID, "error", err)
	}
	if err := e.lock.RecordReactivationSuccess(ctx, ticket.ID); err != nil {
		e.logger.Warn("could not reset reactivation failure count", "ticket_id", ticket.ID, "error", err)
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyRunCompleted(ctx, core.RunCompletedNotice{TicketID: ticket.ID, RunID: run.ID, Outcome: core.RunCompleted}); err != nil {
			e.logger.Warn("run-completed notification failed", "run_id", run.ID, "error", err)
		}
	}
}

// finishRun transitions the run to a terminal status and, if bound to a
// queue entry, completes that entry too (spec §4.4 step 4).
func (e *Engine) finishRun(ctx context.Context, run *core.Run, entry *core.QueueEntry, to, reason string) {
	if err := e.runs.CompareAndUpdateStatus(ctx, run.ID, run.CurrentStatus, to, reason); err != nil {
		e.logger.Error("run terminal transition failed", "run_id", run.ID, "to", to, "error", err)
	}
	if run.StartedAt != nil {
		metrics.RunDurationSeconds.Observe(e.clock.Now().Sub(*run.StartedAt).Seconds())
	}
	if entry != nil && e.queue != nil {
		target := core.QueueCompleted
		if to == core.RunFailed {
			target = core.QueueFailed
		}
		if err := e.queue.Complete(ctx, entry, core.QueueRunning, target); err != nil {
			e.logger.Error("queue entry completion failed", "queue_entry_id", entry.ID, "error", err)
		}
	}
}

// FailWaitingRun fails a run that is currently parked in waiting_validation
// (spec §4.6: a rejection past the limit, a changes_requested decision, or
// sweeper-driven expiry all terminate the run from this state rather than
// from running). The ticket lock was already released when the run entered
// waiting_validation, so unlike failRun this does not attempt another
// release.
func (e *Engine) FailWaitingRun(ctx context.Context, run *core.Run, ticket *core.Ticket, entry *core.QueueEntry, reason string) error {
	if err := e.runs.CompareAndUpdateStatus(ctx, run.ID, core.RunWaitingValidation, core.RunFailed, reason); err != nil {
		return fmt.Errorf("engine: run transition to failed: %w", err)
	}
	if err := e.tickets.CompareAndUpdateStatus(ctx, ticket.ID, ticket.CurrentStatus, core.TicketFailed, "engine", reason); err != nil {
		e.logger.Warn("ticket transition to failed failed", "ticket_id", ticket.ID, "error", err)
	}
	if entry != nil && e.queue != nil {
		if err := e.queue.Complete(ctx, entry, core.QueueWaitingValidation, core.QueueFailed); err != nil {
			e.logger.Error("queue entry completion failed", "queue_entry_id", entry.ID, "error", err)
		}
	}
	if err := e.lock.RecordReactivationFailure(ctx, ticket.ID); err != nil {
		e.logger.Warn("could not record reactivation failure / cooldown", "ticket_id", ticket.ID, "error", err)
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyRunCompleted(ctx, core.RunCompletedNotice{TicketID: ticket.ID, RunID: run.ID, Outcome: core.RunFailed}); err != nil {
			e.logger.Warn("run-completed notification failed", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// FailRunForQueueTimeout implements internal/queue.RunCanceller: the queue
// timeout sweeper found entry still running past its wall-clock budget.
func (e *Engine) FailRunForQueueTimeout(ctx context.Context, entry *core.QueueEntry) error {
	ticket, err := e.tickets.GetByExternalID(ctx, entry.ExternalItemID)
	if err != nil {
		return fmt.Errorf("engine: load ticket for timeout: %w", err)
	}
	run, err := e.runs.ActiveRunForTicket(ctx, ticket.ID)
	if err != nil {
		return fmt.Errorf("engine: load active run for timeout: %w", err)
	}
	if run == nil {
		return nil
	}
	e.failRun(ctx, run, ticket, nil, core.ReasonOrchestratorTimeout)
	return nil
}

// CancelRun is the operator-initiated counterpart to the sweeper-driven
// terminations above: an operator asked for runID to stop regardless of
// which state it is currently parked in. Unlike failRun/FailWaitingRun this
// lands the run in "cancelled" rather than "failed", since the stop came
// from outside the run's own step outcomes. A run in any other status is
// already terminal; it is left unchanged and an error is returned.
func (e *Engine) CancelRun(ctx context.Context, runID int64, reason string) error {
	if reason == "" {
		reason = core.ReasonOperatorCancelled
	}
	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("engine: load run for cancel: %w", err)
	}
	if run == nil {
		return fmt.Errorf("engine: run %d not found", runID)
	}
	if run.CurrentStatus != core.RunStarted && run.CurrentStatus != core.RunRunning && run.CurrentStatus != core.RunWaitingValidation {
		return fmt.Errorf("engine: run %d is already terminal (%s)", runID, run.CurrentStatus)
	}
	ticket, err := e.tickets.GetByID(ctx, run.TicketID)
	if err != nil {
		return fmt.Errorf("engine: load ticket for cancel: %w", err)
	}

	var entry *core.QueueEntry
	if e.queue != nil {
		if qe, err := e.queueEntryForTicket(ctx, ticket); err != nil {
			e.logger.Warn("could not locate queue entry for cancel", "run_id", runID, "error", err)
		} else {
			entry = qe
		}
	}

	wasWaiting := run.CurrentStatus == core.RunWaitingValidation
	if err := e.runs.CompareAndUpdateStatus(ctx, run.ID, run.CurrentStatus, core.RunCancelled, reason); err != nil {
		return fmt.Errorf("engine: run transition to cancelled: %w", err)
	}
	if err := e.tickets.CompareAndUpdateStatus(ctx, ticket.ID, ticket.CurrentStatus, core.TicketFailed, "operator", reason); err != nil {
		e.logger.Warn("ticket transition on cancel failed", "ticket_id", ticket.ID, "error", err)
	}
	if entry != nil && e.queue != nil {
		from := core.QueueRunning
		if wasWaiting {
			from = core.QueueWaitingValidation
		}
		if err := e.queue.Complete(ctx, entry, from, core.QueueFailed); err != nil {
			e.logger.Error("queue entry completion on cancel failed", "queue_entry_id", entry.ID, "error", err)
		}
	}
	if !wasWaiting {
		if err := e.lock.ReleaseLock(ctx, ticket.ID, lockHolder(run.ID)); err != nil {
			e.logger.Warn("lock release on cancel failed", "ticket_id", ticket.ID, "error", err)
		}
	}
	if err := e.lock.RecordReactivationFailure(ctx, ticket.ID); err != nil {
		e.logger.Warn("could not record reactivation failure / cooldown", "ticket_id", ticket.ID, "error", err)
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyRunCompleted(ctx, core.RunCompletedNotice{TicketID: ticket.ID, RunID: run.ID, Outcome: core.RunCancelled}); err != nil {
			e.logger.Warn("run-completed notification failed", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// queueEntryForTicket looks up the live queue entry for ticket, if any,
// so CancelRun can complete it alongside the run/ticket transition.
func (e *Engine) queueEntryForTicket(ctx context.Context, ticket *core.Ticket) (*core.QueueEntry, error) {
	completer, ok := e.queue.(interface {
		ActiveForItem(ctx context.Context, externalItemID string) (*core.QueueEntry, error)
	})
	if !ok {
		return nil, nil
	}
	return completer.ActiveForItem(ctx, ticket.ExternalID)
}
