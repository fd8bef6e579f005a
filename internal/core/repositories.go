package core

import (
	"context"
	"time"
)

// TicketRepository is the typed accessor over the tickets table. Every read
// filters deleted_at IS NULL; every status write goes through a
// compare-and-update guarded by the Status Registry.
type TicketRepository interface {
	Create(ctx context.Context, t *Ticket) error
	GetByID(ctx context.Context, id int64) (*Ticket, error)
	GetByExternalID(ctx context.Context, externalID string) (*Ticket, error)
	// CompareAndUpdateStatus updates current_status WHERE id=id AND
	// current_status=expectedFrom. Returns ErrConcurrentStatusChange if zero
	// rows were affected.
	CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, changedBy, reason string) error
	UpdateLastRunID(ctx context.Context, id int64, runID int64) error
	SnapshotPreviousStatus(ctx context.Context, id int64) error
}

// RunRepository is the typed accessor over the runs table.
type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id int64) (*Run, error)
	NextRunNumber(ctx context.Context, ticketID int64) (int, error)
	ActiveRunForTicket(ctx context.Context, ticketID int64) (*Run, error)
	CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to, reason string) error
	SetCurrentStep(ctx context.Context, id int64, stepName string) error
	SetProgress(ctx context.Context, id int64, percent int) error
	ListRunningWithoutLiveDispatch(ctx context.Context) ([]*Run, error)
	// WalkAncestry follows parent_run_id up to maxDepth hops, returning runs
	// from the given run back to its root. Used for reactivation-tree
	// reporting; bounded to satisfy invariant 7.
	WalkAncestry(ctx context.Context, runID int64, maxDepth int) ([]*Run, error)
}

// StepRepository is the typed accessor over the steps table.
type StepRepository interface {
	Create(ctx context.Context, s *Step) error
	GetByID(ctx context.Context, id int64) (*Step, error)
	GetByRunAndName(ctx context.Context, runID int64, name string) (*Step, error)
	CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error
	// SetCheckpoint persists the handler's suspension state along with the
	// resumability flag it self-reported (spec §4.5: "handler marks its own
	// resumability"), consulted only by crash recovery.
	SetCheckpoint(ctx context.Context, id int64, checkpoint []byte, resumable bool) error
	SetOutput(ctx context.Context, id int64, output []byte) error
	IncrementRetry(ctx context.Context, id int64) (int, error)
	LatestCheckpoint(ctx context.Context, runID int64, stepName string) ([]byte, error)
}

// ValidationRepository is the typed accessor over the validations table.
type ValidationRepository interface {
	Create(ctx context.Context, v *Validation) error
	GetByUUID(ctx context.Context, uuid string) (*Validation, error)
	CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error
	IncrementRejectionCount(ctx context.Context, id int64) (int, error)
	PendingForRun(ctx context.Context, runID int64) (*Validation, error)
	ExpiredPending(ctx context.Context, asOf time.Time) ([]*Validation, error)
	CreateResponse(ctx context.Context, resp *ValidationResponse) error
	ResponseExists(ctx context.Context, validationID int64) (bool, error)
}

// QueueRepository is the typed accessor over the queue_entries table.
type QueueRepository interface {
	Insert(ctx context.Context, e *QueueEntry) error
	ExistsForEventID(ctx context.Context, eventID string, window time.Duration) (bool, error)
	// ClaimNext selects, across all items, the pending entry with the
	// highest priority (oldest first among equal priorities) whose item has
	// no running/waiting_validation entry, using FOR UPDATE SKIP LOCKED, and
	// marks it running. Returns nil, nil if nothing is claimable.
	ClaimNext(ctx context.Context) (*QueueEntry, error)
	CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error
	SetDispatchHandle(ctx context.Context, id int64, handle string) error
	RunningPastDeadline(ctx context.Context, deadline time.Time) ([]*QueueEntry, error)
	ActiveForItem(ctx context.Context, externalItemID string) (*QueueEntry, error)
	GetByTicketExternalID(ctx context.Context, externalItemID string) ([]*QueueEntry, error)
}

// LockRepository is the typed accessor over the advisory per-ticket lock
// columns (is_locked, locked_by, locked_at) and the cooldown columns
// (cooldown_until, failed_reactivation_count) on the tickets table.
type LockRepository interface {
	// AcquireLock performs the atomic UPDATE described in spec §4.3: sets
	// is_locked=true, locked_by=holder, locked_at=now() WHERE ticketID AND
	// (is_locked=false OR locked_at < now()-ttl). Returns true iff the row
	// was updated.
	AcquireLock(ctx context.Context, ticketID int64, holder string, ttl time.Duration, now time.Time) (bool, error)
	// ReleaseLock updates only if locked_by = holder.
	ReleaseLock(ctx context.Context, ticketID int64, holder string) error
	// SweepStale force-releases every lock with locked_at < now()-ttl and
	// returns the ticket IDs it released, for the sweeper to log a warning
	// event per release.
	SweepStale(ctx context.Context, ttl time.Duration, now time.Time) ([]int64, error)
	EnterCooldown(ctx context.Context, ticketID int64, until time.Time) error
	IsInCooldown(ctx context.Context, ticketID int64, now time.Time) (bool, error)
	IncrementFailedReactivationAttempts(ctx context.Context, ticketID int64) (int, error)
	ResetFailedReactivationAttempts(ctx context.Context, ticketID int64) error
}

// StatusHistoryRepository provides read access to the append-only,
// trigger-written status-history tables. The application never writes to
// these directly (DESIGN NOTES: "triggers are the core's guarantee that no
// update path skips history").
type StatusHistoryRepository interface {
	ListForEntity(ctx context.Context, category StatusCategory, entityID int64) ([]*StatusHistoryRow, error)
}

// ReactivationTriggerRepository is the typed accessor over the supplemental
// reactivation_triggers table (SPEC_FULL §12.2).
type ReactivationTriggerRepository interface {
	Create(ctx context.Context, t *ReactivationTrigger) error
	ListForTicket(ctx context.Context, ticketID int64) ([]*ReactivationTrigger, error)
}

// RunFailureRepository is the typed accessor over the supplemental
// run_failures dead-letter table (SPEC_FULL §12.4).
type RunFailureRepository interface {
	Create(ctx context.Context, f *RunFailure) error
	ListForRun(ctx context.Context, runID int64) ([]*RunFailure, error)
}

// WebhookEventRepository is the typed accessor over logs.webhook_events.
type WebhookEventRepository interface {
	Insert(ctx context.Context, e *WebhookEvent) error
	ExistsByEventID(ctx context.Context, eventID string, window time.Duration) (bool, error)
}

// Clock abstracts time.Now so the engine, lock manager, and sweepers are
// deterministically testable (DESIGN NOTES: "instantiable in a test harness
// with a fake clock").
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
