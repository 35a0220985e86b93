package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"github.com/jmehdipour/webhook-gateway/internal/provider"
	"go.uber.org/zap"
)

// Payments handles events of payments-kind providers.
type Payments struct {
	users     Users
	ledger    Ledger
	subs      Subscriptions
	referrals Referrals
	notifier  Notifier
	tiers     Tiers
	rec       *pipeline.Recorder
	log       *zap.Logger
}

func NewPayments(users Users, ledger Ledger, subs Subscriptions, referrals Referrals, notifier Notifier, tiers Tiers, rec *pipeline.Recorder, l *zap.Logger) *Payments {
	return &Payments{
		users:     users,
		ledger:    ledger,
		subs:      subs,
		referrals: referrals,
		notifier:  notifier,
		tiers:     tiers,
		rec:       rec,
		log:       logger.OrNop(l),
	}
}

// Register binds the payment event types of providerName.
func (h *Payments) Register(reg *pipeline.Registry, providerName string) error {
	for typ, fn := range map[string]pipeline.HandlerFunc{
		"payment.created":      h.PaymentCreated,
		"payment.updated":      h.PaymentUpdated,
		"subscription.created": h.SubscriptionCreated,
		"subscription.updated": h.SubscriptionUpdated,
		"refund.created":       h.RefundCreated,
	} {
		if err := reg.Register(providerName, typ, fn); err != nil {
			return err
		}
	}
	return nil
}

// userByCustomer resolves the user and records an action when none matches.
// A nil user with nil error means the event has nothing to apply.
func (h *Payments) userByCustomer(ctx context.Context, s *steps, customerID string) (*model.User, error) {
	if customerID == "" {
		s.note(ctx, "user.unresolved", map[string]any{"reason": "no customer id"})
		return nil, nil
	}
	u, err := h.users.GetByProviderCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		s.log.Warn("no user for customer", zap.String("customer_id", customerID))
		s.note(ctx, "user.unresolved", map[string]any{"customer_id": customerID})
	}
	return u, nil
}

func (h *Payments) PaymentCreated(ctx context.Context, ev model.WebhookEvent) error {
	p, err := provider.DecodePayment(ev.Payload)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	u, err := h.userByCustomer(ctx, s, p.CustomerID)
	if err != nil || u == nil {
		return err
	}

	if err := s.durable(ctx, "ledger.record", func(ctx context.Context) (map[string]any, error) {
		created, err := h.ledger.Record(ctx, model.RevenueEvent{
			UserID:        u.ID,
			TransactionID: p.ID,
			Kind:          "payment",
			AmountCents:   p.AmountMoney.Amount,
			Currency:      p.AmountMoney.Currency,
			Status:        p.Status,
			Provider:      ev.Provider,
		})
		return map[string]any{"transaction_id": p.ID, "amount": p.AmountMoney.Amount, "created": created}, err
	}); err != nil {
		return err
	}

	prior, err := h.ledger.HasPriorPayment(ctx, u.ID, p.ID)
	if err != nil {
		return fmt.Errorf("first purchase check: %w", err)
	}
	if prior {
		return nil
	}

	if u.ReferredBy != nil {
		if err := s.durable(ctx, "referral.convert", func(ctx context.Context) (map[string]any, error) {
			created, err := h.referrals.Convert(ctx, u.ID, *u.ReferredBy, p.ID)
			return map[string]any{"referrer_id": *u.ReferredBy, "created": created}, err
		}); err != nil {
			return err
		}
	}

	// Two first payments racing past the prior-payment check still send one welcome.
	s.notifyKeyed(ctx, h.notifier, fmt.Sprintf("welcome:%d", u.ID), u.Email, "premium_welcome", map[string]string{
		"amount":   formatMoney(p.AmountMoney),
		"currency": p.AmountMoney.Currency,
	})
	return nil
}

func (h *Payments) PaymentUpdated(ctx context.Context, ev model.WebhookEvent) error {
	p, err := provider.DecodePayment(ev.Payload)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	switch strings.ToUpper(p.Status) {
	case "COMPLETED":
		s.note(ctx, "payment.completed", map[string]any{"payment_id": p.ID})
	case "FAILED":
		u, err := h.userByCustomer(ctx, s, p.CustomerID)
		if err != nil || u == nil {
			return err
		}
		s.note(ctx, "payment.failed", map[string]any{"payment_id": p.ID})
		s.notify(ctx, h.notifier, u.Email, "payment_failed", map[string]string{
			"amount": formatMoney(p.AmountMoney),
		})
	default:
		s.note(ctx, "payment.status", map[string]any{"payment_id": p.ID, "status": p.Status})
	}
	return nil
}

func (h *Payments) SubscriptionCreated(ctx context.Context, ev model.WebhookEvent) error {
	sub, err := provider.DecodeSubscription(ev.Payload)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	u, err := h.userByCustomer(ctx, s, sub.CustomerID)
	if err != nil || u == nil {
		return err
	}

	tier := h.tiers.For(sub.PlanVariationID)
	if err := s.durable(ctx, "subscription.activate", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"subscription_id": sub.ID, "tier": tier},
			h.subs.Activate(ctx, u.ID, sub.ID, tier)
	}); err != nil {
		return err
	}

	s.notify(ctx, h.notifier, u.Email, "subscription_created", map[string]string{"tier": tier})
	return nil
}

func (h *Payments) SubscriptionUpdated(ctx context.Context, ev model.WebhookEvent) error {
	sub, err := provider.DecodeSubscription(ev.Payload)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	u, err := h.userByCustomer(ctx, s, sub.CustomerID)
	if err != nil || u == nil {
		return err
	}

	status := strings.ToLower(sub.Status)
	switch strings.ToUpper(sub.Status) {
	case "CANCELED":
		if err := s.durable(ctx, "subscription.downgrade", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"subscription_id": sub.ID, "status": status}, h.subs.Downgrade(ctx, u.ID, status)
		}); err != nil {
			return err
		}
		s.notify(ctx, h.notifier, u.Email, "subscription_canceled", nil)
	case "PAUSED":
		if err := s.durable(ctx, "subscription.status", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"subscription_id": sub.ID, "status": status}, h.subs.SetStatus(ctx, u.ID, status)
		}); err != nil {
			return err
		}
		s.notify(ctx, h.notifier, u.Email, "subscription_paused", nil)
	default:
		return s.durable(ctx, "subscription.status", func(ctx context.Context) (map[string]any, error) {
			return map[string]any{"subscription_id": sub.ID, "status": status}, h.subs.SetStatus(ctx, u.ID, status)
		})
	}
	return nil
}

func (h *Payments) RefundCreated(ctx context.Context, ev model.WebhookEvent) error {
	r, err := provider.DecodeRefund(ev.Payload)
	if err != nil {
		return err
	}
	s := newSteps(h.rec, h.log, ev)

	orig, err := h.ledger.GetByTransaction(ctx, r.PaymentID)
	if err != nil {
		return fmt.Errorf("lookup original payment: %w", err)
	}
	if orig == nil {
		// The payment may not have been applied yet; let the retry path bring it back.
		return fmt.Errorf("original payment %s not in ledger", r.PaymentID)
	}

	paymentRef := r.PaymentID
	if err := s.durable(ctx, "ledger.refund", func(ctx context.Context) (map[string]any, error) {
		created, err := h.ledger.Record(ctx, model.RevenueEvent{
			UserID:        orig.UserID,
			TransactionID: r.ID,
			Kind:          "refund",
			AmountCents:   -r.AmountMoney.Amount,
			Currency:      r.AmountMoney.Currency,
			Status:        r.Status,
			PaymentRef:    &paymentRef,
			Provider:      ev.Provider,
		})
		return map[string]any{"refund_id": r.ID, "payment_id": r.PaymentID, "created": created}, err
	}); err != nil {
		return err
	}
	return nil
}

func formatMoney(m provider.Money) string {
	return strconv.FormatFloat(float64(m.Amount)/100, 'f', 2, 64)
}
