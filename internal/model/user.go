package model

import "time"

type User struct {
	ID                    int64      `db:"id"`
	Email                 string     `db:"email"`
	ProviderCustomerID    *string    `db:"provider_customer_id"`
	ReferredBy            *int64     `db:"referred_by"`
	EmailValid            bool       `db:"email_valid"`
	EmailBounceReason     *string    `db:"email_bounce_reason"`
	MarketingOptOut       bool       `db:"marketing_opt_out"`
	SpamReported          bool       `db:"spam_reported"`
	SubscriptionID        *string    `db:"subscription_id"`
	SubscriptionTier      string     `db:"subscription_tier"` // free|premium|...
	SubscriptionStatus    *string    `db:"subscription_status"`
	SubscriptionUpdatedAt *time.Time `db:"subscription_updated_at"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// RevenueEvent is a ledger row; TransactionID is unique.
// Refunds are stored with a negative AmountCents keyed by the refund id.
type RevenueEvent struct {
	ID            int64     `db:"id"`
	UserID        int64     `db:"user_id"`
	TransactionID string    `db:"transaction_id"`
	Kind          string    `db:"kind"` // payment|refund
	AmountCents   int64     `db:"amount_cents"`
	Currency      string    `db:"currency"`
	Status        string    `db:"status"`
	PaymentRef    *string   `db:"payment_ref"` // original payment for refunds
	Provider      string    `db:"provider"`
	CreatedAt     time.Time `db:"created_at"`
}

// Suppression reasons.
const (
	SuppressBounce      = "bounce"
	SuppressDropped     = "dropped"
	SuppressSpamReport  = "spamreport"
	SuppressUnsubscribe = "unsubscribe"
)
