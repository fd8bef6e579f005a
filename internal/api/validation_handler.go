package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	apierrors "github.com/orchestrator-io/change-orchestrator/internal/api/errors"
	"github.com/orchestrator-io/change-orchestrator/internal/api/middleware"
	"github.com/orchestrator-io/change-orchestrator/internal/core"
	"github.com/orchestrator-io/change-orchestrator/internal/validation"
)

// ValidationResponder is the subset of internal/validation.Rendezvous the
// handler needs.
type ValidationResponder interface {
	RecordValidationResponse(ctx context.Context, externalUUID string, d validation.Decision) error
}

// validationResponseRequest is the body of POST /api/v1/validations/{uuid}/respond.
type validationResponseRequest struct {
	Status      string `json:"status" validate:"required,oneof=approved rejected changes_requested"`
	Comments    string `json:"comments"`
	ValidatorID string `json:"validator_id"`
}

// ValidationResponseHandler resolves a pending Validation with a human
// decision (spec §4.6). It is kept as a dedicated REST endpoint, distinct
// from the webhook intake, for collaborators that answer validations
// directly rather than through the external event relay.
//
// @Summary Respond to a pending validation
// @Description Records a human decision (approve/reject/changes_requested) against a validation by its external UUID
// @Tags Validations
// @Accept json
// @Produce json
// @Param uuid path string true "Validation external UUID"
// @Success 204 "Accepted"
// @Failure 400 {object} errors.ErrorResponse
// @Failure 404 {object} errors.ErrorResponse
// @Failure 410 {object} errors.ErrorResponse "Validation expired"
// @Router /validations/{uuid}/respond [post]
func ValidationResponseHandler(r ValidationResponder, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		requestID := middleware.GetRequestID(req.Context())
		uuid := mux.Vars(req)["uuid"]
		if uuid == "" {
			apierrors.WriteError(w, apierrors.ValidationError("missing validation uuid").WithRequestID(requestID))
			return
		}

		var body validationResponseRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			apierrors.WriteError(w, apierrors.ValidationError("invalid JSON body").WithRequestID(requestID))
			return
		}
		if body.Status != "approved" && body.Status != "rejected" && body.Status != "changes_requested" {
			apierrors.WriteError(w, apierrors.ValidationError("status must be one of approved, rejected, changes_requested").WithRequestID(requestID))
			return
		}

		err := r.RecordValidationResponse(req.Context(), uuid, validation.Decision{
			Status:      body.Status,
			Comments:    body.Comments,
			ValidatorID: body.ValidatorID,
		})
		if err != nil {
			var expired *core.ErrValidationExpired
			switch {
			case errors.As(err, &expired):
				apierrors.WriteError(w, apierrors.ValidationExpiredError(uuid).WithRequestID(requestID))
			default:
				logger.Error("validation response failed", "uuid", uuid, "error", err)
				apierrors.WriteError(w, apierrors.InternalError("failed to record validation response").WithRequestID(requestID))
			}
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
