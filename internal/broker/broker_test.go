package broker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
)

func setupTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	b, err := New(Config{Addr: mr.Addr(), Stream: "orchestrator:dispatch:test"}, nil)
	require.NoError(t, err)

	return b, mr
}

func TestAllocateHandleReturnsStreamID(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()
	defer b.Close()

	handle, err := b.AllocateHandle(context.Background(), &core.QueueEntry{ID: 42, ExternalItemID: "TCK-1"})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	live, err := b.IsLive(context.Background(), handle)
	require.NoError(t, err)
	require.True(t, live)
}

func TestIsLiveFalseForUnknownHandle(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()
	defer b.Close()

	live, err := b.IsLive(context.Background(), "0-0")
	require.NoError(t, err)
	require.False(t, live)
}

func TestIsLiveFalseForEmptyHandle(t *testing.T) {
	b, mr := setupTestBroker(t)
	defer mr.Close()
	defer b.Close()

	live, err := b.IsLive(context.Background(), "")
	require.NoError(t, err)
	require.False(t, live)
}
