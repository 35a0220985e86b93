package pipeline

import (
	"context"
	"encoding/json"

	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

// Action names written to the action log.
const (
	ActionDispatchStart     = "dispatch.start"
	ActionDispatchSucceeded = "dispatch.succeeded"
	ActionDispatchFailed    = "dispatch.failed"
	ActionRetryScheduled    = "retry.scheduled"
	ActionEscalated         = "dlq.escalated"
	ActionResolved          = "dlq.resolved"
	ActionReplayStart       = "replay.start"
	ActionReplaySucceeded   = "replay.succeeded"
	ActionReplayFailed      = "replay.failed"
	ActionUnhandled         = "unhandled_event"
)

// Recorder appends action log entries. Append failures are logged and swallowed:
// the trail never decides the outcome of a dispatch.
type Recorder struct {
	log    ActionLog
	logger *zap.Logger
}

func NewRecorder(log ActionLog, l *zap.Logger) *Recorder {
	return &Recorder{log: log, logger: logger.OrNop(l)}
}

// Record appends one entry for eventID. cause, when non-nil, becomes error_message.
func (r *Recorder) Record(ctx context.Context, eventID, action string, status model.ActionStatus, details map[string]any, cause error) {
	entry := model.ActionLogEntry{
		ID:             util.New(),
		WebhookEventID: eventID,
		Action:         action,
		Status:         status,
	}
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			r.logger.Warn("action details not serializable", zap.String("action", action), zap.Error(err))
		} else {
			entry.Details = b
		}
	}
	if cause != nil {
		msg := cause.Error()
		entry.ErrorMessage = &msg
	}

	if err := r.log.Append(ctx, entry); err != nil {
		r.logger.Error("append action log",
			zap.String("event_id", eventID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
