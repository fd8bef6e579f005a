package engine

import (
	"context"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// NoopStepHandler immediately completes a step, echoing its input as
// output. It is the default bound to every canonical step except
// await_validation when no real collaborator handler (LLM prompting, code
// generation, PR creation — all out of scope here) has been registered, so
// the orchestration substrate is exercisable end-to-end on its own.
func NoopStepHandler(ctx context.Context, runID, stepID int64, input, checkpoint []byte) (core.StepResult, error) {
	return core.StepResult{Outcome: core.OutcomeCompleted, Output: input}, nil
}

// SuspendForValidationHandler is the default await_validation handler: it
// immediately suspends, handing its input to the engine as the validation
// payload. RegisterHandler("await_validation", ...) with this is what makes
// beginValidationRendezvous fire on the first pass through the step.
func SuspendForValidationHandler(ctx context.Context, runID, stepID int64, input, checkpoint []byte) (core.StepResult, error) {
	return core.StepResult{Outcome: core.OutcomeSuspend, Checkpoint: input, Resumable: true}, nil
}

// RegisterDefaultHandlers binds NoopStepHandler to every canonical step and
// SuspendForValidationHandler to await_validation. Callers that wire a real
// collaborator handler for a given step should call RegisterHandler again
// afterward to override the default.
func (e *Engine) RegisterDefaultHandlers() {
	for _, name := range core.CanonicalSteps {
		if name == "await_validation" {
			e.RegisterHandler(name, core.StepHandlerFunc(SuspendForValidationHandler))
			continue
		}
		e.RegisterHandler(name, core.StepHandlerFunc(NoopStepHandler))
	}
}
