package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const userColumns = `id, email, provider_customer_id, referred_by, email_valid, email_bounce_reason,
		       marketing_opt_out, spam_reported, subscription_id, subscription_tier, subscription_status,
		       subscription_updated_at, created_at, updated_at`

// UsersRepository reads users and applies the email-health flags set by email events.
type UsersRepository interface {
	GetByProviderCustomerID(ctx context.Context, customerID string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	MarkEmailInvalid(ctx context.Context, email, reason string) error
	RecordBounceReason(ctx context.Context, email, reason string) error
	MarkSpamReported(ctx context.Context, email string) error
	OptOutMarketing(ctx context.Context, email string) error
}

type UsersRepositoryImpl struct {
	db *sqlx.DB
}

func NewUsersRepository(db *sqlx.DB) *UsersRepositoryImpl {
	return &UsersRepositoryImpl{db: db}
}

var _ UsersRepository = (*UsersRepositoryImpl)(nil)

func (r *UsersRepositoryImpl) get(ctx context.Context, where string, arg any) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE `+where+` LIMIT 1`, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UsersRepositoryImpl) GetByProviderCustomerID(ctx context.Context, customerID string) (*model.User, error) {
	return r.get(ctx, "provider_customer_id = ?", customerID)
}

func (r *UsersRepositoryImpl) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.get(ctx, "email = ?", email)
}

func (r *UsersRepositoryImpl) MarkEmailInvalid(ctx context.Context, email, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		   SET email_valid = 0, email_bounce_reason = ?, updated_at = NOW()
		 WHERE email = ?
	`, reason, email)
	return err
}

func (r *UsersRepositoryImpl) RecordBounceReason(ctx context.Context, email, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET email_bounce_reason = ?, updated_at = NOW() WHERE email = ?
	`, reason, email)
	return err
}

func (r *UsersRepositoryImpl) MarkSpamReported(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET spam_reported = 1, marketing_opt_out = 1, updated_at = NOW() WHERE email = ?
	`, email)
	return err
}

func (r *UsersRepositoryImpl) OptOutMarketing(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET marketing_opt_out = 1, updated_at = NOW() WHERE email = ?
	`, email)
	return err
}
