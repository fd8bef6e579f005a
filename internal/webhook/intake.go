// Package webhook implements the Webhook Intake (spec §4.8): the HTTP
// surface that receives raw external events and, per event, performs
// exactly one of two actions — insert a queue entry or record a validation
// response — at-most-once per external event ID within the dedup window.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/validation"
)

// Payload is the inbound event envelope. EventType selects which of the two
// intake actions applies; exactly one of the corresponding fields should be
// populated. Signature verification happens out-of-band, upstream of this
// handler (spec §4.8: "external collaborator").
type Payload struct {
	EventID        string          `json:"event_id" validate:"required"`
	EventType      string          `json:"event_type" validate:"required,oneof=ticket_event validation_response"`
	ExternalItemID string          `json:"external_item_id,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`

	ValidationUUID     string           `json:"validation_uuid,omitempty"`
	ValidationResponse *ResponsePayload `json:"validation_response,omitempty"`
}

// ResponsePayload is the embedded human decision for a validation_response event.
type ResponsePayload struct {
	Status      string `json:"status" validate:"required,oneof=approved rejected changes_requested"`
	Comments    string `json:"comments"`
	ValidatorID string `json:"validator_id"`
}

// Response is the JSON body returned to the webhook caller.
type Response struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	EventID        string `json:"event_id,omitempty"`
	Timestamp      string `json:"timestamp"`
	ProcessingTime string `json:"processing_time"`
}

// Config holds intake tuning, bound from internal/config.WebhookConfig.
type Config struct {
	MaxRequestSize int64
	DedupWindow    time.Duration
	PerIPLimit     int
	GlobalLimit    int
}

// Rendezvous is the subset of internal/validation.Rendezvous the intake
// needs for the validation_response branch.
type Rendezvous interface {
	RecordValidationResponse(ctx context.Context, externalUUID string, d validation.Decision) error
}

// LockChecker is the subset of internal/lock.Manager the intake needs to
// enforce spec §4.3's cooldown refusal ("enqueue and reactivation both
// refuse to proceed while IsInCooldown is true") before inserting a queue
// entry for an existing ticket.
type LockChecker interface {
	IsInCooldown(ctx context.Context, ticketID int64) (bool, error)
}

// Reactivator is the subset of internal/reactivation.Controller the intake
// needs to route inbound events for a ticket already in a terminal state
// through classification rather than enqueueing them directly.
type Reactivator interface {
	Handle(ctx context.Context, ticket *core.Ticket, eventPayload []byte) error
}

// Intake is the webhook HTTP handler. It holds no business logic beyond
// dedup and translation — the Per-Item Queue and Validation Rendezvous own
// everything downstream.
type Intake struct {
	events       core.WebhookEventRepository
	tickets      core.TicketRepository
	queue        core.QueueRepository
	rendezvous   Rendezvous
	lockChecker  LockChecker
	reactivation Reactivator
	limiter      *rate.Limiter
	validate     *validator.Validate
	cfg          Config
	logger       *slog.Logger
}

// New constructs an Intake.
func New(events core.WebhookEventRepository, tickets core.TicketRepository, queue core.QueueRepository, rendezvous Rendezvous, lockChecker LockChecker, reactivation Reactivator, cfg Config, logger *slog.Logger) *Intake {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = 10 * 1024 * 1024
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		events:       events,
		tickets:      tickets,
		queue:        queue,
		rendezvous:   rendezvous,
		lockChecker:  lockChecker,
		reactivation: reactivation,
		limiter:      rate.NewLimiter(rate.Limit(cfg.GlobalLimit)/60, cfg.GlobalLimit),
		validate:     validator.New(),
		cfg:          cfg,
		logger:       logger,
	}
}

// ServeHTTP implements http.Handler.
func (in *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	in.logger.Info("webhook request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !in.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, in.cfg.MaxRequestSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		in.logger.Error("webhook: failed to read request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		in.logger.Error("webhook: invalid JSON payload", "error", err)
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := in.validate.Struct(&payload); err != nil {
		in.logger.Warn("webhook: payload failed validation", "error", err)
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	result, err := in.handle(r.Context(), &payload)
	if err != nil {
		in.logger.Error("webhook: could not process event", "event_id", payload.EventID, "error", err)
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	// spec §6: 202 on accepted-for-processing (including a cooldown skip,
	// which is still a successfully recorded outcome), 200 on deduped.
	status := http.StatusAccepted
	resp := Response{
		Status:         "accepted",
		Message:        "event processed",
		EventID:        payload.EventID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		ProcessingTime: time.Since(startTime).String(),
	}
	if result.Duplicate {
		status = http.StatusOK
		resp.Status = "duplicate"
		resp.Message = "event already processed"
	} else if result.Skipped {
		resp.Status = "skipped"
		resp.Message = result.SkipReason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		in.logger.Error("webhook: failed to encode response", "error", err)
	}
}

// handleResult reports back to ServeHTTP whether the event was a dedup hit
// or was accepted-but-skipped (e.g. cooldown), so it can pick the right
// response code/body instead of a single path for every outcome.
type handleResult struct {
	Duplicate  bool
	Skipped    bool
	SkipReason string
}

// handle implements the at-most-once-per-event-ID translation contract
// (spec §4.8): dedup first, then exactly one of queue-insert or
// validation-response, never both.
func (in *Intake) handle(ctx context.Context, payload *Payload) (handleResult, error) {
	exists, err := in.events.ExistsByEventID(ctx, payload.EventID, in.cfg.DedupWindow)
	if err != nil {
		return handleResult{}, fmt.Errorf("webhook: dedup check: %w", err)
	}
	if exists {
		in.logger.Info("webhook: duplicate event skipped", "event_id", payload.EventID)
		return handleResult{Duplicate: true}, nil
	}

	if err := in.events.Insert(ctx, &core.WebhookEvent{
		EventID:   payload.EventID,
		EventType: payload.EventType,
		Payload:   payload.Data,
	}); err != nil {
		return handleResult{}, fmt.Errorf("webhook: persist event log: %w", err)
	}

	switch payload.EventType {
	case "validation_response":
		if payload.ValidationUUID == "" || payload.ValidationResponse == nil {
			return handleResult{}, fmt.Errorf("webhook: validation_response event missing validation_uuid/validation_response")
		}
		return handleResult{}, in.rendezvous.RecordValidationResponse(ctx, payload.ValidationUUID, validation.Decision{
			Status:      payload.ValidationResponse.Status,
			Comments:    payload.ValidationResponse.Comments,
			ValidatorID: payload.ValidationResponse.ValidatorID,
		})
	case "ticket_event":
		return in.handleTicketEvent(ctx, payload)
	default:
		return handleResult{}, fmt.Errorf("webhook: unrecognized event_type %q", payload.EventType)
	}
}

// handleTicketEvent implements spec §4.3/§4.7's dispatch: an event against a
// ticket already in a terminal state is routed to the Reactivation
// Controller for classification instead of enqueued directly; an event
// against a live (or brand new) ticket is enqueued, but only after
// confirming the ticket is not in its reactivation cooldown window.
func (in *Intake) handleTicketEvent(ctx context.Context, payload *Payload) (handleResult, error) {
	if payload.ExternalItemID == "" {
		return handleResult{}, fmt.Errorf("webhook: ticket_event missing external_item_id")
	}

	ticket, err := in.tickets.GetByExternalID(ctx, payload.ExternalItemID)
	if err != nil {
		return handleResult{}, fmt.Errorf("webhook: load ticket %q: %w", payload.ExternalItemID, err)
	}

	if ticket != nil && isTerminalTicketStatus(ticket.CurrentStatus) {
		if in.reactivation == nil {
			in.logger.Warn("webhook: ticket_event for terminal ticket with no reactivation controller wired", "ticket_id", ticket.ID)
			return handleResult{}, nil
		}
		if err := in.reactivation.Handle(ctx, ticket, payload.Data); err != nil {
			var cooling *core.ErrTicketCoolingDown
			if errors.As(err, &cooling) {
				return handleResult{Skipped: true, SkipReason: "ticket is in reactivation cooldown"}, nil
			}
			return handleResult{}, fmt.Errorf("webhook: reactivation handle ticket %d: %w", ticket.ID, err)
		}
		return handleResult{}, nil
	}

	if ticket != nil && in.lockChecker != nil {
		cooling, err := in.lockChecker.IsInCooldown(ctx, ticket.ID)
		if err != nil {
			return handleResult{}, fmt.Errorf("webhook: cooldown check ticket %d: %w", ticket.ID, err)
		}
		if cooling {
			in.logger.Info("webhook: ticket_event skipped, ticket cooling down", "ticket_id", ticket.ID)
			return handleResult{Skipped: true, SkipReason: "ticket is in reactivation cooldown"}, nil
		}
	}

	if err := in.queue.Insert(ctx, &core.QueueEntry{
		ExternalItemID: payload.ExternalItemID,
		Payload:        payload.Data,
		Priority:       payload.Priority,
		CurrentStatus:  core.QueuePending,
	}); err != nil {
		return handleResult{}, fmt.Errorf("webhook: queue insert: %w", err)
	}
	return handleResult{}, nil
}

func isTerminalTicketStatus(status string) bool {
	return status == core.TicketCompleted || status == core.TicketFailed
}
