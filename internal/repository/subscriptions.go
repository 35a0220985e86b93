package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// SubscriptionsRepository writes the subscription columns of users.
type SubscriptionsRepository interface {
	Activate(ctx context.Context, userID int64, subscriptionID, tier string) error
	SetStatus(ctx context.Context, userID int64, status string) error
	// Downgrade drops the user back to the free tier.
	Downgrade(ctx context.Context, userID int64, status string) error
}

type subscriptionsRepo struct {
	db *sqlx.DB
}

func NewSubscriptionsRepository(db *sqlx.DB) SubscriptionsRepository {
	return &subscriptionsRepo{db: db}
}

func (r *subscriptionsRepo) Activate(ctx context.Context, userID int64, subscriptionID, tier string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET subscription_id = ?, subscription_tier = ?, subscription_status = 'active',
		    subscription_updated_at = NOW(), updated_at = NOW()
		WHERE id = ?
	`, subscriptionID, tier, userID)
	return err
}

func (r *subscriptionsRepo) SetStatus(ctx context.Context, userID int64, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET subscription_status = ?, subscription_updated_at = NOW(), updated_at = NOW()
		WHERE id = ?
	`, status, userID)
	return err
}

func (r *subscriptionsRepo) Downgrade(ctx context.Context, userID int64, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET subscription_tier = 'free', subscription_status = ?,
		    subscription_updated_at = NOW(), updated_at = NOW()
		WHERE id = ?
	`, status, userID)
	return err
}
