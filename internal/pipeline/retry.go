package pipeline

import (
	"context"
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

type Decision int

const (
	RetryLater Decision = iota + 1
	Escalate
	// LostClaim means another worker took the event over; nothing was recorded.
	LostClaim
)

func (d Decision) String() string {
	switch d {
	case RetryLater:
		return "retry_later"
	case Escalate:
		return "escalate"
	case LostClaim:
		return "lost_claim"
	default:
		return "unknown"
	}
}

// RetryController counts failed attempts and moves exhausted events to the dead-letter queue.
// It schedules nothing: redelivery or the sweeper drives the next attempt.
type RetryController struct {
	events      EventStore
	dlq         DeadLetterStore
	rec         *Recorder
	maxAttempts int
	log         *zap.Logger
}

func NewRetryController(events EventStore, dlq DeadLetterStore, rec *Recorder, maxAttempts int, l *zap.Logger) *RetryController {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &RetryController{events: events, dlq: dlq, rec: rec, maxAttempts: maxAttempts, log: logger.OrNop(l)}
}

// OnFailure records a failed attempt of ev, which the caller holds under token. The attempt
// that reaches the ceiling is counted by the escalation itself.
func (c *RetryController) OnFailure(ctx context.Context, ev model.WebhookEvent, token string, cause error) (Decision, error) {
	reason := cause.Error()
	if ev.RetryCount+1 >= c.maxAttempts {
		ev.RetryCount++
		held, err := c.Escalate(ctx, ev, token, reason)
		if err != nil {
			return 0, err
		}
		if !held {
			return LostClaim, nil
		}
		return Escalate, nil
	}

	count, held, err := c.events.RecordFailure(ctx, ev.ID, token, reason)
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	if !held {
		return LostClaim, nil
	}
	c.rec.Record(ctx, ev.ID, ActionRetryScheduled, model.ActionRetrying,
		map[string]any{"retry_count": count, "max_attempts": c.maxAttempts}, cause)
	metrics.EventsTotal.WithLabelValues(ev.Provider, "retry").Inc()
	return RetryLater, nil
}

// Escalate creates the dead-letter entry and sets the event dead_lettered in one step.
// It returns false, and writes nothing, when token no longer holds the event.
func (c *RetryController) Escalate(ctx context.Context, ev model.WebhookEvent, token, reason string) (bool, error) {
	entryID := util.New()
	held, err := c.dlq.Escalate(ctx, entryID, ev, token, reason)
	if err != nil {
		return false, fmt.Errorf("escalate: %w", err)
	}
	if !held {
		return false, nil
	}
	c.rec.Record(ctx, ev.ID, ActionEscalated, model.ActionFailed,
		map[string]any{"retry_count": ev.RetryCount, "dlq_id": entryID}, nil)
	metrics.EventsTotal.WithLabelValues(ev.Provider, "dead_lettered").Inc()
	c.log.Error("event dead-lettered",
		zap.String("provider", ev.Provider),
		zap.String("event_type", ev.EventType),
		zap.String("event_id", ev.ID),
		zap.String("external_event_id", ev.ExternalEventID),
		zap.Int("retry_count", ev.RetryCount),
		zap.String("reason", reason),
	)
	return true, nil
}
