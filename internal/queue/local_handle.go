package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

// LocalHandleAllocator implements DispatchHandleAllocator without an
// external broker: it mints a random handle and never reports a live
// consumer. It is the Lite profile's stand-in when no Redis broker is
// configured (spec's Non-goals: the broker is dispatch signaling only, and
// Lite's whole point is zero external dependencies).
type LocalHandleAllocator struct{}

// AllocateHandle returns a fresh UUID; nothing downstream watches it.
func (LocalHandleAllocator) AllocateHandle(ctx context.Context, entry *core.QueueEntry) (string, error) {
	return uuid.New().String(), nil
}

var _ DispatchHandleAllocator = LocalHandleAllocator{}
