package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ReferralsRepository records the first qualifying purchase of a referred user.
// user_id is unique, so a user converts at most once.
type ReferralsRepository interface {
	Convert(ctx context.Context, userID, referrerID int64, transactionID string) (bool, error)
}

type referralsRepo struct {
	db *sqlx.DB
}

func NewReferralsRepository(db *sqlx.DB) ReferralsRepository {
	return &referralsRepo{db: db}
}

func (r *referralsRepo) Convert(ctx context.Context, userID, referrerID int64, transactionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO referral_conversions (user_id, referrer_id, transaction_id, created_at)
		VALUES (?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE user_id = user_id
	`, userID, referrerID, transactionID)
	return affectedOne(res, err)
}
