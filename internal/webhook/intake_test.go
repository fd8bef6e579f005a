package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/validation"
)

type fakeEvents struct {
	mu   sync.Mutex
	seen map[string]bool
	rows []*core.WebhookEvent
}

func (f *fakeEvents) Insert(ctx context.Context, e *core.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.seen[e.EventID] = true
	f.rows = append(f.rows, e)
	return nil
}

func (f *fakeEvents) ExistsByEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[eventID], nil
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []*core.QueueEntry
}

func (f *fakeQueue) Insert(ctx context.Context, e *core.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}
func (f *fakeQueue) ExistsForEventID(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeQueue) ClaimNext(ctx context.Context) (*core.QueueEntry, error) { return nil, nil }
func (f *fakeQueue) CompareAndUpdateStatus(ctx context.Context, id int64, expectedFrom, to string) error {
	return nil
}
func (f *fakeQueue) SetDispatchHandle(ctx context.Context, id int64, handle string) error { return nil }
func (f *fakeQueue) RunningPastDeadline(ctx context.Context, deadline time.Time) ([]*core.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueue) ActiveForItem(ctx context.Context, externalItemID string) (*core.QueueEntry, error) {
	return nil, nil
}
func (f *fakeQueue) GetByTicketExternalID(ctx context.Context, externalItemID string) ([]*core.QueueEntry, error) {
	return nil, nil
}

type fakeRendezvous struct {
	mu    sync.Mutex
	calls []validation.Decision
}

func (f *fakeRendezvous) RecordValidationResponse(ctx context.Context, externalUUID string, d validation.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d)
	return nil
}

type fakeTickets struct {
	mu   sync.Mutex
	byID map[string]*core.Ticket
}

func (f *fakeTickets) GetByExternalID(ctx context.Context, externalID string) (*core.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[externalID], nil
}

type fakeLockChecker struct {
	mu      sync.Mutex
	cooling map[int64]bool
}

func (f *fakeLockChecker) IsInCooldown(ctx context.Context, ticketID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cooling[ticketID], nil
}

type fakeReactivator struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakeReactivator) Handle(ctx context.Context, ticket *core.Ticket, eventPayload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ticket.ID)
	return nil
}

func newTestIntake() (*Intake, *fakeEvents, *fakeQueue, *fakeRendezvous) {
	in, events, queue, rdv, _, _, _ := newTestIntakeFull()
	return in, events, queue, rdv
}

func newTestIntakeFull() (*Intake, *fakeEvents, *fakeQueue, *fakeRendezvous, *fakeTickets, *fakeLockChecker, *fakeReactivator) {
	events := &fakeEvents{}
	queue := &fakeQueue{}
	rdv := &fakeRendezvous{}
	tickets := &fakeTickets{byID: map[string]*core.Ticket{}}
	locks := &fakeLockChecker{cooling: map[int64]bool{}}
	reactivator := &fakeReactivator{}
	in := New(events, tickets, queue, rdv, locks, reactivator, Config{GlobalLimit: 1000}, nil)
	return in, events, queue, rdv, tickets, locks, reactivator
}

func doRequest(t *testing.T, in *Intake, method string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if str, ok := body.(string); ok {
		buf.WriteString(str)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/webhook", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	in.ServeHTTP(w, req)
	return w
}

func TestServeHTTPTicketEventInsertsQueueEntry(t *testing.T) {
	in, events, queue, _ := newTestIntake()

	w := doRequest(t, in, http.MethodPost, Payload{
		EventID:        "evt-1",
		EventType:      "ticket_event",
		ExternalItemID: "TCK-1",
		Priority:       5,
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, queue.entries, 1)
	require.Equal(t, "TCK-1", queue.entries[0].ExternalItemID)
	require.True(t, events.seen["evt-1"])
}

func TestServeHTTPValidationResponseCallsRendezvous(t *testing.T) {
	in, _, queue, rdv := newTestIntake()

	w := doRequest(t, in, http.MethodPost, Payload{
		EventID:        "evt-2",
		EventType:      "validation_response",
		ValidationUUID: "uuid-123",
		ValidationResponse: &ResponsePayload{
			Status:      "approved",
			ValidatorID: "alice",
		},
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Empty(t, queue.entries)
	require.Len(t, rdv.calls, 1)
	require.Equal(t, "approved", rdv.calls[0].Status)
}

func TestServeHTTPDuplicateEventIDSkipped(t *testing.T) {
	in, _, queue, _ := newTestIntake()

	payload := Payload{EventID: "evt-dup", EventType: "ticket_event", ExternalItemID: "TCK-9"}
	w1 := doRequest(t, in, http.MethodPost, payload)
	require.Equal(t, http.StatusAccepted, w1.Code)

	w2 := doRequest(t, in, http.MethodPost, payload)
	require.Equal(t, http.StatusOK, w2.Code)

	require.Len(t, queue.entries, 1)
}

func TestServeHTTPRejectsNonPost(t *testing.T) {
	in, _, _, _ := newTestIntake()
	w := doRequest(t, in, http.MethodGet, nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeHTTPRejectsInvalidJSON(t *testing.T) {
	in, _, _, _ := newTestIntake()
	w := doRequest(t, in, http.MethodPost, "not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHTTPRejectsMissingRequiredField(t *testing.T) {
	in, _, _, _ := newTestIntake()
	w := doRequest(t, in, http.MethodPost, Payload{EventType: "ticket_event"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHTTPTicketEventSkipsEnqueueWhenCoolingDown(t *testing.T) {
	in, _, queue, _, tickets, locks, _ := newTestIntakeFull()
	tickets.byID["TCK-42"] = &core.Ticket{ID: 42, ExternalID: "TCK-42", CurrentStatus: core.TicketProcessing}
	locks.cooling[42] = true

	w := doRequest(t, in, http.MethodPost, Payload{
		EventID:        "evt-cool",
		EventType:      "ticket_event",
		ExternalItemID: "TCK-42",
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Empty(t, queue.entries)
}

func TestServeHTTPTicketEventRoutesTerminalTicketToReactivation(t *testing.T) {
	in, _, queue, _, tickets, _, reactivator := newTestIntakeFull()
	tickets.byID["TCK-99"] = &core.Ticket{ID: 99, ExternalID: "TCK-99", CurrentStatus: core.TicketCompleted}

	w := doRequest(t, in, http.MethodPost, Payload{
		EventID:        "evt-term",
		EventType:      "ticket_event",
		ExternalItemID: "TCK-99",
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Empty(t, queue.entries)
	require.Equal(t, []int64{99}, reactivator.calls)
}
