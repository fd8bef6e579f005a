package engine

import (
	"context"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// Recover implements spec §4.5's crash-recovery pass: on startup, every run
// left in `running` whose current step is mid-flight is either resumed from
// its last step's checkpoint or failed with reason `orphan_on_restart`.
// ListRunningWithoutLiveDispatch returns every run in `running`; neither the
// owning queue entry's status nor its broker dispatch handle is checked, so
// a run still held by a live broker work item is recovered as well. Call
// once, before the dispatcher and queue sweepers start.
func (e *Engine) Recover(ctx context.Context) error {
	stuck, err := e.runs.ListRunningWithoutLiveDispatch(ctx)
	if err != nil {
		return err
	}

	for _, run := range stuck {
		e.recoverRun(ctx, run)
	}
	return nil
}

func (e *Engine) recoverRun(ctx context.Context, run *core.Run) {
	logger := e.logger.With("run_id", run.ID, "ticket_id", run.TicketID)

	ticket, err := e.tickets.GetByID(ctx, run.TicketID)
	if err != nil {
		logger.Error("crash recovery: could not load ticket", "error", err)
		return
	}

	stepName := core.StepName(run.CurrentStepName)
	step, err := e.steps.GetByRunAndName(ctx, run.ID, string(stepName))
	if err != nil || step == nil {
		logger.Warn("crash recovery: could not load in-flight step, orphaning", "step", stepName, "error", err)
		e.orphanRun(ctx, run, nil)
		return
	}

	if step.CurrentStatus != core.StepRunning {
		// The step already reached a terminal/pending state before the
		// crash; the queue/engine wiring will naturally pick this run back
		// up through its next dispatch, nothing to orphan.
		logger.Debug("crash recovery: step not mid-flight, leaving for normal dispatch", "step", stepName, "status", step.CurrentStatus)
		return
	}

	if _, err := e.steps.LatestCheckpoint(ctx, run.ID, string(stepName)); err != nil {
		logger.Error("crash recovery: could not load latest checkpoint", "error", err)
		e.orphanRun(ctx, run, step)
		return
	}

	if !step.Resumable {
		logger.Warn("crash recovery: step marked non-resumable, orphaning", "step", stepName)
		e.orphanRun(ctx, run, step)
		return
	}

	logger.Info("crash recovery: resuming run from checkpoint", "step", stepName)
	idx := core.StepOrder(stepName) - 1
	if idx < 0 {
		idx = 0
	}
	go e.driveRun(ctx, run, ticket, &core.QueueEntry{ExternalItemID: ticket.ExternalID, IsReactivation: run.IsReactivation}, idx)
}

func (e *Engine) orphanRun(ctx context.Context, run *core.Run, step *core.Step) {
	if err := e.runs.CompareAndUpdateStatus(ctx, run.ID, run.CurrentStatus, core.RunFailed, core.ReasonOrphanOnRestart); err != nil {
		e.logger.Error("crash recovery: could not fail orphaned run", "run_id", run.ID, "error", err)
	}
	if step != nil {
		if err := e.steps.CompareAndUpdateStatus(ctx, step.ID, step.CurrentStatus, core.StepFailed); err != nil {
			e.logger.Error("crash recovery: could not fail orphaned step", "step_id", step.ID, "error", err)
		}
	}
	if err := e.lock.ReleaseLock(ctx, run.TicketID, lockHolder(run.ID)); err != nil {
		e.logger.Warn("crash recovery: lock release failed", "ticket_id", run.TicketID, "error", err)
	}
}
