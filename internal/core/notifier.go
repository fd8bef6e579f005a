package core

import (
	"context"
	"log/slog"
)

// LoggingNotifier is the in-memory Notifier the core ships: it logs every
// notice at info level and otherwise does nothing. Real delivery (chat,
// email, a PR-creation callback) is an external collaborator's
// implementation of Notifier, bound in its place at startup.
type LoggingNotifier struct {
	Logger *slog.Logger
}

// NewLoggingNotifier constructs a LoggingNotifier, defaulting to slog.Default().
func NewLoggingNotifier(logger *slog.Logger) *LoggingNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingNotifier{Logger: logger}
}

// NotifyValidationPending logs the validation-pending notice.
func (n *LoggingNotifier) NotifyValidationPending(ctx context.Context, notice ValidationPendingNotice) error {
	n.Logger.Info("validation pending",
		"validation_uuid", notice.ValidationUUID,
		"ticket_id", notice.TicketID,
		"validator_hint", notice.ValidatorHint,
	)
	return nil
}

// NotifyRunCompleted logs the run-completed notice.
func (n *LoggingNotifier) NotifyRunCompleted(ctx context.Context, notice RunCompletedNotice) error {
	n.Logger.Info("run completed",
		"ticket_id", notice.TicketID,
		"run_id", notice.RunID,
		"outcome", notice.Outcome,
	)
	return nil
}

var _ Notifier = (*LoggingNotifier)(nil)
