package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// SuppressionsRepository keeps addresses that must not receive email. email is unique.
type SuppressionsRepository interface {
	Suppress(ctx context.Context, email, reason string) error
}

type suppressionsRepo struct {
	db *sqlx.DB
}

func NewSuppressionsRepository(db *sqlx.DB) SuppressionsRepository {
	return &suppressionsRepo{db: db}
}

func (r *suppressionsRepo) Suppress(ctx context.Context, email, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_suppressions (email, reason, created_at, updated_at)
		VALUES (?, ?, NOW(), NOW())
		ON DUPLICATE KEY UPDATE reason = VALUES(reason), updated_at = NOW()
	`, email, reason)
	return err
}
