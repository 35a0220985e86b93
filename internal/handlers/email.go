package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"github.com/jmehdipour/webhook-gateway/internal/provider"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

// Email handles events of email-kind providers.
type Email struct {
	users        Users
	suppressions Suppressions
	engagement   Engagement
	rec          *pipeline.Recorder
	log          *zap.Logger
}

func NewEmail(users Users, suppressions Suppressions, engagement Engagement, rec *pipeline.Recorder, l *zap.Logger) *Email {
	return &Email{
		users:        users,
		suppressions: suppressions,
		engagement:   engagement,
		rec:          rec,
		log:          logger.OrNop(l),
	}
}

func (h *Email) Register(reg *pipeline.Registry, providerName string) error {
	for typ, fn := range map[string]pipeline.HandlerFunc{
		"bounce":      h.Bounce,
		"dropped":     h.Dropped,
		"spamreport":  h.SpamReport,
		"unsubscribe": h.Unsubscribe,
		"delivered":   h.Delivered,
		"open":        h.Engaged,
		"click":       h.Engaged,
	} {
		if err := reg.Register(providerName, typ, fn); err != nil {
			return err
		}
	}
	return nil
}

func decodeEmail(ev model.WebhookEvent) (provider.EmailEvent, string, error) {
	e, err := provider.DecodeEmailEvent(ev.Payload)
	if err != nil {
		return e, "", err
	}
	addr := util.NormalizeEmail(e.Email)
	if addr == "" {
		return e, "", fmt.Errorf("%w: invalid email %q", provider.ErrMalformed, e.Email)
	}
	return e, addr, nil
}

func (h *Email) Bounce(ctx context.Context, ev model.WebhookEvent) error {
	e, addr, err := decodeEmail(ev)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	if !e.HardBounce() {
		reason := orDefault(e.Reason, "Soft bounce")
		return s.durable(ctx, "user.soft_bounce", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"reason": reason}, h.users.RecordBounceReason(ctx, addr, reason)
		})
	}

	reason := orDefault(e.Reason, "Hard bounce")
	if err := s.durable(ctx, "user.email_invalid", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"reason": reason, "smtp_status": e.Status}, h.users.MarkEmailInvalid(ctx, addr, reason)
	}); err != nil {
		return err
	}
	return s.durable(ctx, "suppression.add", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"reason": model.SuppressBounce}, h.suppressions.Suppress(ctx, addr, model.SuppressBounce)
	})
}

func (h *Email) Dropped(ctx context.Context, ev model.WebhookEvent) error {
	e, addr, err := decodeEmail(ev)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	reason := "dropped: " + orDefault(e.Reason, "unknown")
	return s.durable(ctx, "user.dropped", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"reason": reason}, h.users.RecordBounceReason(ctx, addr, reason)
	})
}

func (h *Email) SpamReport(ctx context.Context, ev model.WebhookEvent) error {
	_, addr, err := decodeEmail(ev)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	if err := s.durable(ctx, "suppression.add", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"reason": model.SuppressSpamReport}, h.suppressions.Suppress(ctx, addr, model.SuppressSpamReport)
	}); err != nil {
		return err
	}
	return s.durable(ctx, "user.spam_reported", func(ctx context.Context) (map[string]any, error) {
		return nil, h.users.MarkSpamReported(ctx, addr)
	})
}

func (h *Email) Unsubscribe(ctx context.Context, ev model.WebhookEvent) error {
	_, addr, err := decodeEmail(ev)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	if err := s.durable(ctx, "suppression.add", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"reason": model.SuppressUnsubscribe}, h.suppressions.Suppress(ctx, addr, model.SuppressUnsubscribe)
	}); err != nil {
		return err
	}
	return s.durable(ctx, "user.marketing_opt_out", func(ctx context.Context) (map[string]any, error) {
		return nil, h.users.OptOutMarketing(ctx, addr)
	})
}

// Delivered records delivery for dashboards only.
func (h *Email) Delivered(ctx context.Context, ev model.WebhookEvent) error {
	return h.track(ctx, ev, "delivered")
}

// Engaged records opens and clicks.
func (h *Email) Engaged(ctx context.Context, ev model.WebhookEvent) error {
	return h.track(ctx, ev, ev.EventType)
}

func (h *Email) track(ctx context.Context, ev model.WebhookEvent, kind string) error {
	e, addr, err := decodeEmail(ev)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	occurred := ev.ReceivedAt
	if e.Timestamp > 0 {
		occurred = time.Unix(e.Timestamp, 0).UTC()
	}
	s.bestEffort(ctx, "engagement."+kind, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"message_id": e.SGMessageID}, h.engagement.Track(ctx, repository.Engagement{
			EventID:    ev.ID,
			Email:      addr,
			Kind:       kind,
			MessageID:  e.SGMessageID,
			URL:        e.URL,
			UserAgent:  e.UserAgent,
			IP:         e.IP,
			OccurredAt: occurred,
		})
	})
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
