// Package lock implements the Lock & Cooldown Manager: advisory per-ticket
// locks with TTL, and exponential-backoff cooldowns on reactivation
// failure.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// Config holds the tuning knobs for lock acquisition and cooldown math,
// bound from internal/config.OrchestratorConfig.
type Config struct {
	TTL            time.Duration
	CooldownBase   time.Duration
	CooldownCap    time.Duration
}

// Manager acquires/releases the per-ticket advisory lock and manages the
// cooldown embargo. It holds no in-process state: every decision is a DB
// round-trip through Repo, per DESIGN NOTES' "shared mutable state: none
// in-process beyond caches of the Status Registry."
type Manager struct {
	repo   core.LockRepository
	clock  core.Clock
	cfg    Config
	logger *slog.Logger
}

// New constructs a lock Manager.
func New(repo core.LockRepository, clock core.Clock, cfg Config, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, clock: clock, cfg: cfg, logger: logger}
}

// AcquireLock attempts to take the advisory lock for ticketID on behalf of
// holder. Returns core.ErrLockRefused if the lock is currently held by
// someone else whose lease has not expired.
func (m *Manager) AcquireLock(ctx context.Context, ticketID int64, holder string) error {
	ok, err := m.repo.AcquireLock(ctx, ticketID, holder, m.cfg.TTL, m.clock.Now())
	if err != nil {
		return fmt.Errorf("lock: acquire ticket=%d: %w", ticketID, err)
	}
	if !ok {
		return &core.ErrLockRefused{TicketID: ticketID}
	}
	m.logger.Debug("lock acquired", "ticket_id", ticketID, "holder", holder)
	return nil
}

// ReleaseLock releases the advisory lock held by holder. Per the Open
// Question decision recorded in DESIGN.md, the engine calls this as soon as
// it unbinds from a run entering waiting_validation — the lock is not held
// for the duration of a pending human validation.
func (m *Manager) ReleaseLock(ctx context.Context, ticketID int64, holder string) error {
	if err := m.repo.ReleaseLock(ctx, ticketID, holder); err != nil {
		return fmt.Errorf("lock: release ticket=%d: %w", ticketID, err)
	}
	m.logger.Debug("lock released", "ticket_id", ticketID, "holder", holder)
	return nil
}

// EnterCooldown sets cooldown_until = now + backoff, where backoff is
// computed from the ticket's current failed_reactivation_count via
// Backoff.
func (m *Manager) EnterCooldown(ctx context.Context, ticketID int64, attempt int) error {
	backoff := Backoff(attempt, m.cfg.CooldownBase, m.cfg.CooldownCap)
	until := m.clock.Now().Add(backoff)
	if err := m.repo.EnterCooldown(ctx, ticketID, until); err != nil {
		return fmt.Errorf("lock: enter cooldown ticket=%d: %w", ticketID, err)
	}
	m.logger.Info("ticket entering cooldown", "ticket_id", ticketID, "attempt", attempt, "until", until)
	return nil
}

// IsInCooldown reports whether ticketID's cooldown window is still active.
func (m *Manager) IsInCooldown(ctx context.Context, ticketID int64) (bool, error) {
	cooling, err := m.repo.IsInCooldown(ctx, ticketID, m.clock.Now())
	if err != nil {
		return false, fmt.Errorf("lock: is in cooldown ticket=%d: %w", ticketID, err)
	}
	return cooling, nil
}

// RecordReactivationFailure increments failed_reactivation_count and enters
// cooldown keyed by the new count, per spec §4.3: "keyed by
// failed_reactivation_attempts."
func (m *Manager) RecordReactivationFailure(ctx context.Context, ticketID int64) error {
	attempts, err := m.repo.IncrementFailedReactivationAttempts(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("lock: increment failed reactivation attempts ticket=%d: %w", ticketID, err)
	}
	return m.EnterCooldown(ctx, ticketID, attempts)
}

// RecordReactivationSuccess resets failed_reactivation_count to zero, which
// also clears any active cooldown (spec §4.3: "reset to zero on any
// successful run completion via a trigger" — modeled here as an explicit
// call from the engine on run completion rather than a DB trigger, since the
// reset also needs to clear cooldown_until, which is application-owned
// state, not purely history bookkeeping).
func (m *Manager) RecordReactivationSuccess(ctx context.Context, ticketID int64) error {
	if err := m.repo.ResetFailedReactivationAttempts(ctx, ticketID); err != nil {
		return fmt.Errorf("lock: reset failed reactivation attempts ticket=%d: %w", ticketID, err)
	}
	return nil
}

// Backoff computes the cooldown duration for the nth failure (1-indexed),
// per spec §8 Boundary behaviors: min(BASE * 2^(n-1), CAP), exact seconds.
func Backoff(attempt int, base, cap_ time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap_ {
			return cap_
		}
	}
	if d > cap_ {
		return cap_
	}
	return d
}
