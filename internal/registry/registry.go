// Package registry implements the Status Registry: the table-driven state
// machine that declares every legal state and transition for the five
// entity categories (task, run, step, validation, queue).
package registry

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// Store is the minimal read side the registry needs over the reference
// tables. The write side (seeding) lives in internal/infrastructure/migrations.
type Store interface {
	ListStatusTypes(ctx context.Context) ([]*core.StatusType, error)
	ListStatusTransitions(ctx context.Context) ([]*core.StatusTransition, error)
}

type transitionKey struct {
	category core.StatusCategory
	from     string
	to       string
}

// StatusRegistry is the read-through, read-only-after-bootstrap cache over
// the status_types/status_transitions reference tables. Every write that
// changes an entity's status routes through IsTransitionAllowed first.
type StatusRegistry struct {
	mu sync.RWMutex

	terminal     map[string]bool
	statesByCat  map[core.StatusCategory]map[string]bool
	transitions  map[transitionKey]bool

	// cache is an LRU of (category,from,to) -> bool lookups, sized generously
	// since the underlying set is small and fully enumerable; it exists to
	// avoid map-key allocation on the hot path of every status write.
	cache *lru.Cache[transitionKey, bool]
}

// New constructs an empty registry. Call Load to populate it from the store.
func New() (*StatusRegistry, error) {
	cache, err := lru.New[transitionKey, bool](2048)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to allocate lru cache: %w", err)
	}
	return &StatusRegistry{
		terminal:    map[string]bool{},
		statesByCat: map[core.StatusCategory]map[string]bool{},
		transitions: map[transitionKey]bool{},
		cache:       cache,
	}, nil
}

// Load populates the registry from the given store. Intended to run once at
// bootstrap; the registry is read-only afterward (DESIGN NOTES: "cache
// read-only after bootstrap").
func (r *StatusRegistry) Load(ctx context.Context, store Store) error {
	types, err := store.ListStatusTypes(ctx)
	if err != nil {
		return fmt.Errorf("registry: list status types: %w", err)
	}
	transitions, err := store.ListStatusTransitions(ctx)
	if err != nil {
		return fmt.Errorf("registry: list status transitions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.statesByCat = map[core.StatusCategory]map[string]bool{}
	r.terminal = map[string]bool{}
	for _, st := range types {
		if r.statesByCat[st.Category] == nil {
			r.statesByCat[st.Category] = map[string]bool{}
		}
		r.statesByCat[st.Category][st.Name] = true
		if st.Terminal {
			r.terminal[st.Name] = true
		}
	}

	r.transitions = map[transitionKey]bool{}
	for _, tr := range transitions {
		r.transitions[transitionKey{tr.Category, tr.FromStatus, tr.ToStatus}] = true
	}
	r.cache.Purge()
	return nil
}

// IsTransitionAllowed reports whether (category, from, to) is a legal pair
// per the seeded status_transitions table.
func (r *StatusRegistry) IsTransitionAllowed(category core.StatusCategory, from, to string) bool {
	key := transitionKey{category, from, to}
	if v, ok := r.cache.Get(key); ok {
		return v
	}

	r.mu.RLock()
	allowed := r.transitions[key]
	r.mu.RUnlock()

	r.cache.Add(key, allowed)
	return allowed
}

// StatusesFor returns the full set of legal state names for category.
func (r *StatusRegistry) StatusesFor(category core.StatusCategory) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.statesByCat[category]))
	for k := range r.statesByCat[category] {
		out[k] = true
	}
	return out
}

// IsTerminal reports whether status is a terminal state for any category.
// Terminal states are category-independent by name (spec §4.1: "Terminal
// states: completed, failed, cancelled, timeout, expired, abandoned").
func (r *StatusRegistry) IsTerminal(status string) bool {
	if core.TerminalStatuses[status] {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.terminal[status]
}

// ValidateTransition is the pre-write validator every status-changing
// repository method consults; it returns core.ErrInvalidTransition when the
// pair is illegal.
func (r *StatusRegistry) ValidateTransition(category core.StatusCategory, from, to string) error {
	if !r.IsTransitionAllowed(category, from, to) {
		return &core.ErrInvalidTransition{Category: category, From: from, To: to}
	}
	return nil
}

// Seed is the canonical, version-controlled source of truth for the
// reference tables (DESIGN NOTES: "seeded from a version-controlled source
// of truth"). It is consumed by the migrate command to populate
// status_types/status_transitions, and by Store implementations used in
// tests that don't hit a real database.
func Seed() ([]*core.StatusType, []*core.StatusTransition) {
	states := map[core.StatusCategory][]string{
		core.CategoryTicket: {
			core.TicketPending, core.TicketProcessing, core.TicketTesting,
			core.TicketDebugging, core.TicketQualityCheck, core.TicketAwaitingValidation,
			core.TicketCompleted, core.TicketFailed,
		},
		core.CategoryRun: {
			core.RunStarted, core.RunRunning, core.RunWaitingValidation,
			core.RunCompleted, core.RunFailed, core.RunCancelled,
		},
		core.CategoryStep: {
			core.StepPending, core.StepRunning, core.StepCompleted,
			core.StepFailed, core.StepSkipped,
		},
		core.CategoryValidation: {
			core.ValidationPending, core.ValidationApproved, core.ValidationRejected,
			core.ValidationChangesRequested, core.ValidationExpiredStatus, core.ValidationAbandoned,
		},
		core.CategoryQueue: {
			core.QueuePending, core.QueueRunning, core.QueueWaitingValidation,
			core.QueueCompleted, core.QueueFailed, core.QueueCancelled, core.QueueTimeout,
		},
	}

	var types []*core.StatusType
	for cat, names := range states {
		for _, name := range names {
			types = append(types, &core.StatusType{
				Category: cat,
				Name:     name,
				Terminal: core.TerminalStatuses[name],
			})
		}
	}

	var transitions []*core.StatusTransition
	add := func(cat core.StatusCategory, from, to string) {
		transitions = append(transitions, &core.StatusTransition{Category: cat, FromStatus: from, ToStatus: to})
	}

	// task (ticket)
	add(core.CategoryTicket, core.TicketPending, core.TicketProcessing)
	add(core.CategoryTicket, core.TicketProcessing, core.TicketTesting)
	add(core.CategoryTicket, core.TicketTesting, core.TicketDebugging)
	add(core.CategoryTicket, core.TicketDebugging, core.TicketTesting)
	add(core.CategoryTicket, core.TicketTesting, core.TicketQualityCheck)
	add(core.CategoryTicket, core.TicketQualityCheck, core.TicketAwaitingValidation)
	add(core.CategoryTicket, core.TicketAwaitingValidation, core.TicketCompleted)
	add(core.CategoryTicket, core.TicketAwaitingValidation, core.TicketProcessing) // changes_requested loop
	add(core.CategoryTicket, core.TicketProcessing, core.TicketFailed)
	add(core.CategoryTicket, core.TicketTesting, core.TicketFailed)
	add(core.CategoryTicket, core.TicketQualityCheck, core.TicketFailed)
	add(core.CategoryTicket, core.TicketAwaitingValidation, core.TicketFailed)
	add(core.CategoryTicket, core.TicketCompleted, core.TicketProcessing) // reactivation re-entry
	add(core.CategoryTicket, core.TicketFailed, core.TicketProcessing)    // reactivation re-entry

	// run
	add(core.CategoryRun, core.RunStarted, core.RunRunning)
	add(core.CategoryRun, core.RunRunning, core.RunWaitingValidation)
	add(core.CategoryRun, core.RunWaitingValidation, core.RunRunning)
	add(core.CategoryRun, core.RunRunning, core.RunCompleted)
	add(core.CategoryRun, core.RunRunning, core.RunFailed)
	add(core.CategoryRun, core.RunWaitingValidation, core.RunFailed)
	add(core.CategoryRun, core.RunStarted, core.RunCancelled)
	add(core.CategoryRun, core.RunRunning, core.RunCancelled)
	add(core.CategoryRun, core.RunWaitingValidation, core.RunCancelled)

	// step
	add(core.CategoryStep, core.StepPending, core.StepRunning)
	add(core.CategoryStep, core.StepRunning, core.StepCompleted)
	add(core.CategoryStep, core.StepRunning, core.StepPending) // retryable failure re-queue
	add(core.CategoryStep, core.StepRunning, core.StepFailed)
	add(core.CategoryStep, core.StepPending, core.StepSkipped)

	// validation
	add(core.CategoryValidation, core.ValidationPending, core.ValidationApproved)
	add(core.CategoryValidation, core.ValidationPending, core.ValidationRejected)
	add(core.CategoryValidation, core.ValidationPending, core.ValidationChangesRequested)
	add(core.CategoryValidation, core.ValidationPending, core.ValidationExpiredStatus)
	add(core.CategoryValidation, core.ValidationRejected, core.ValidationAbandoned)

	// queue
	add(core.CategoryQueue, core.QueuePending, core.QueueRunning)
	add(core.CategoryQueue, core.QueueRunning, core.QueueWaitingValidation)
	add(core.CategoryQueue, core.QueueWaitingValidation, core.QueueRunning)
	add(core.CategoryQueue, core.QueueRunning, core.QueueCompleted)
	add(core.CategoryQueue, core.QueueRunning, core.QueueFailed)
	add(core.CategoryQueue, core.QueueWaitingValidation, core.QueueFailed)
	add(core.CategoryQueue, core.QueuePending, core.QueueCancelled)
	add(core.CategoryQueue, core.QueueRunning, core.QueueCancelled)
	add(core.CategoryQueue, core.QueueRunning, core.QueueTimeout)

	return types, transitions
}
