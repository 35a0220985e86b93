package handlers

import (
	"context"
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"go.uber.org/zap"
)

type stepFunc func(ctx context.Context) (map[string]any, error)

// steps runs the ordered domain steps of one event and records each in the action log.
type steps struct {
	rec *pipeline.Recorder
	log *zap.Logger
	ev  model.WebhookEvent
}

func newSteps(rec *pipeline.Recorder, log *zap.Logger, ev model.WebhookEvent) *steps {
	return &steps{
		rec: rec,
		ev:  ev,
		log: log.With(
			zap.String("provider", ev.Provider),
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.ID),
		),
	}
}

// durable runs a state-changing step. Its error fails the handler.
func (s *steps) durable(ctx context.Context, action string, fn stepFunc) error {
	details, err := fn(ctx)
	if err != nil {
		s.rec.Record(ctx, s.ev.ID, action, model.ActionFailed, details, err)
		return fmt.Errorf("%s: %w", action, err)
	}
	s.rec.Record(ctx, s.ev.ID, action, model.ActionSuccess, details, nil)
	return nil
}

// note records an informational action.
func (s *steps) note(ctx context.Context, action string, details map[string]any) {
	s.rec.Record(ctx, s.ev.ID, action, model.ActionSuccess, details, nil)
}

// bestEffort runs a step whose failure is logged and recorded but never fails the handler.
func (s *steps) bestEffort(ctx context.Context, action string, fn stepFunc) {
	details, err := fn(ctx)
	if err != nil {
		s.log.Warn("best-effort step failed", zap.String("action", action), zap.Error(err))
		s.rec.Record(ctx, s.ev.ID, action, model.ActionFailed, details, err)
		return
	}
	s.rec.Record(ctx, s.ev.ID, action, model.ActionSuccess, details, nil)
}

// notify enqueues a template for recipient keyed by this event.
func (s *steps) notify(ctx context.Context, n Notifier, recipient, template string, vars map[string]string) {
	s.notifyKeyed(ctx, n, "", recipient, template, vars)
}

// notifyKeyed sends at most one notification per key across all events.
func (s *steps) notifyKeyed(ctx context.Context, n Notifier, key, recipient, template string, vars map[string]string) {
	s.bestEffort(ctx, "notify."+template, func(ctx context.Context) (map[string]any, error) {
		if recipient == "" {
			return nil, fmt.Errorf("no recipient")
		}
		created, err := n.Notify(ctx, model.Notification{
			EventID:   s.ev.ID,
			Recipient: recipient,
			Template:  template,
			Vars:      vars,
			Key:       key,
		})
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(template, "failed").Inc()
			return nil, err
		}
		outcome := "queued"
		if !created {
			outcome = "duplicate"
		}
		metrics.NotificationsTotal.WithLabelValues(template, outcome).Inc()
		return map[string]any{"template": template, "outcome": outcome}, nil
	})
}
