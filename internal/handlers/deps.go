package handlers

import (
	"context"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
)

// Collaborators consumed by the handlers. The repository implementations satisfy them.

type Users interface {
	GetByProviderCustomerID(ctx context.Context, customerID string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	MarkEmailInvalid(ctx context.Context, email, reason string) error
	RecordBounceReason(ctx context.Context, email, reason string) error
	MarkSpamReported(ctx context.Context, email string) error
	OptOutMarketing(ctx context.Context, email string) error
}

type Ledger interface {
	Record(ctx context.Context, e model.RevenueEvent) (bool, error)
	HasPriorPayment(ctx context.Context, userID int64, txnID string) (bool, error)
	GetByTransaction(ctx context.Context, txnID string) (*model.RevenueEvent, error)
}

type Subscriptions interface {
	Activate(ctx context.Context, userID int64, subscriptionID, tier string) error
	SetStatus(ctx context.Context, userID int64, status string) error
	Downgrade(ctx context.Context, userID int64, status string) error
}

type Referrals interface {
	Convert(ctx context.Context, userID, referrerID int64, transactionID string) (bool, error)
}

type Suppressions interface {
	Suppress(ctx context.Context, email, reason string) error
}

// Notifier enqueues a templated email. Repeating a notification with the same
// event id and template is a no-op.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) (bool, error)
}

type Engagement interface {
	Track(ctx context.Context, e repository.Engagement) error
}

// Tiers maps a provider plan to a subscription tier.
type Tiers struct {
	Default string
	Plans   map[string]string
}

func (t Tiers) For(plan string) string {
	if tier, ok := t.Plans[plan]; ok && tier != "" {
		return tier
	}
	if t.Default != "" {
		return t.Default
	}
	return "premium"
}
