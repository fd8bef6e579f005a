package core

import "fmt"

// ErrInvalidTransition is returned when a status write is rejected by the
// Status Registry because (category, from, to) is not a legal pair.
type ErrInvalidTransition struct {
	Category StatusCategory
	From     string
	To       string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: category=%s from=%s to=%s", e.Category, e.From, e.To)
}

// ErrConcurrentStatusChange is returned when a compare-and-update status
// write affects zero rows because another writer won the race.
type ErrConcurrentStatusChange struct {
	Category StatusCategory
	EntityID int64
	Expected string
}

func (e *ErrConcurrentStatusChange) Error() string {
	return fmt.Sprintf("concurrent status change: category=%s entity=%d expected_from=%s", e.Category, e.EntityID, e.Expected)
}

// ErrLockRefused is returned when AcquireLock fails because the ticket is
// already held by a different holder whose lease has not expired.
type ErrLockRefused struct {
	TicketID int64
	HeldBy   string
}

func (e *ErrLockRefused) Error() string {
	return fmt.Sprintf("lock refused: ticket=%d held_by=%s", e.TicketID, e.HeldBy)
}

// ErrTicketCoolingDown is returned when an enqueue or reactivation attempt
// is made while the ticket's cooldown window is active.
type ErrTicketCoolingDown struct {
	TicketID      int64
	CooldownUntil string
}

func (e *ErrTicketCoolingDown) Error() string {
	return fmt.Sprintf("ticket cooling down: ticket=%d until=%s", e.TicketID, e.CooldownUntil)
}

// ErrValidationExpired is returned when a validation response arrives after
// the validation's expires_at, or when the sweeper finds a pending
// validation past its TTL.
type ErrValidationExpired struct {
	ValidationUUID string
}

func (e *ErrValidationExpired) Error() string {
	return fmt.Sprintf("validation expired: uuid=%s", e.ValidationUUID)
}

// ErrReactivationDepthExceeded is returned when a ticket's reactivation
// count has already reached MaxReactivationDepth.
type ErrReactivationDepthExceeded struct {
	TicketID int64
	Depth    int
	Max      int
}

func (e *ErrReactivationDepthExceeded) Error() string {
	return fmt.Sprintf("reactivation depth exceeded: ticket=%d depth=%d max=%d", e.TicketID, e.Depth, e.Max)
}

// ErrOrphanOnRestart is returned by crash recovery when a run's last step
// cannot be safely resumed from its checkpoint.
type ErrOrphanOnRestart struct {
	RunID  int64
	StepID int64
}

func (e *ErrOrphanOnRestart) Error() string {
	return fmt.Sprintf("orphan on restart: run=%d step=%d", e.RunID, e.StepID)
}

// ErrOrchestratorTimeout is returned when a queue entry's wall-clock budget
// is exceeded while running.
type ErrOrchestratorTimeout struct {
	QueueEntryID int64
}

func (e *ErrOrchestratorTimeout) Error() string {
	return fmt.Sprintf("orchestrator timeout: queue_entry=%d", e.QueueEntryID)
}

// ErrModifyDeleted is returned when a write targets a row whose deleted_at
// is non-null.
type ErrModifyDeleted struct {
	Category StatusCategory
	EntityID int64
}

func (e *ErrModifyDeleted) Error() string {
	return fmt.Sprintf("modify deleted: category=%s entity=%d", e.Category, e.EntityID)
}

// Closed vocabulary of handler-supplied and engine-supplied failure reasons.
// User-visible failure reasons are drawn from this set plus arbitrary
// handler-supplied strings (spec §7: "reason is the single source of truth").
const (
	ReasonOrchestratorTimeout         = "orchestrator_timeout"
	ReasonValidationAbandonedLimit    = "validation_abandoned_limit"
	ReasonChangesRequested            = "changes_requested"
	ReasonValidationExpired           = "validation_expired"
	ReasonLockExpiredDuringValidation = "lock_expired_during_validation"
	ReasonCancelGraceExceeded         = "cancel_grace_exceeded"
	ReasonOrphanOnRestart             = "orphan_on_restart"
	ReasonReactivationDepthExceeded   = "reactivation_depth_exceeded"
	ReasonOperatorCancelled           = "operator_cancelled"
)
