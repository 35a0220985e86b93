package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// LedgerRepository records revenue_events. transaction_id is unique, so recording the
// same payment or refund twice leaves one row.
type LedgerRepository interface {
	// Record upserts by transaction id and reports whether a new row was written.
	Record(ctx context.Context, e model.RevenueEvent) (bool, error)
	// HasPriorPayment reports whether userID has a payment other than txnID.
	HasPriorPayment(ctx context.Context, userID int64, txnID string) (bool, error)
	GetByTransaction(ctx context.Context, txnID string) (*model.RevenueEvent, error)
}

type LedgerRepositoryImpl struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) *LedgerRepositoryImpl {
	return &LedgerRepositoryImpl{db: db}
}

var _ LedgerRepository = (*LedgerRepositoryImpl)(nil)

func (r *LedgerRepositoryImpl) Record(ctx context.Context, e model.RevenueEvent) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO revenue_events
		    (user_id, transaction_id, kind, amount_cents, currency, status, payment_ref, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE id = id
	`, e.UserID, e.TransactionID, e.Kind, e.AmountCents, e.Currency, e.Status, e.PaymentRef, e.Provider)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *LedgerRepositoryImpl) HasPriorPayment(ctx context.Context, userID int64, txnID string) (bool, error) {
	var one int
	err := r.db.QueryRowxContext(ctx, `
		SELECT 1 FROM revenue_events
		 WHERE user_id = ? AND kind = 'payment' AND transaction_id <> ?
		 LIMIT 1
	`, userID, txnID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *LedgerRepositoryImpl) GetByTransaction(ctx context.Context, txnID string) (*model.RevenueEvent, error) {
	var e model.RevenueEvent
	err := r.db.GetContext(ctx, &e, `
		SELECT id, user_id, transaction_id, kind, amount_cents, currency, status, payment_ref, provider, created_at
		  FROM revenue_events
		 WHERE transaction_id = ?
	`, txnID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
