package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const deadLetterColumns = `id, webhook_event_id, provider, event_type, payload, failure_reason, retry_attempts,
		       last_retry_at, in_review, review_started_at, resolved, resolved_at, resolved_by, created_at`

// DeadLetterRepository persists webhook_dead_letters. Transitions that also move the
// owning event run in one transaction with the webhook_events update.
type DeadLetterRepository interface {
	// Escalate sets the event dead_lettered with ev.RetryCount and creates the entry
	// (retry_attempts=0). Nothing is written when token no longer holds the event.
	Escalate(ctx context.Context, entryID string, ev model.WebhookEvent, token, reason string) (bool, error)
	Get(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	ListUnresolved(ctx context.Context, provider string, limit, offset int) ([]model.DeadLetterEntry, error)
	CountUnresolved(ctx context.Context) (map[string]int, error)
	// BeginReview sets in_review on an unresolved entry that is not under review,
	// or whose review started before staleBefore.
	BeginReview(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	ReleaseReview(ctx context.Context, id string) error
	// CompleteReplay resolves the entry and marks its event succeeded.
	CompleteReplay(ctx context.Context, id, eventID, token, by string) (bool, error)
	// FailReplay records the attempt, releases the review and returns the event to dead_lettered.
	FailReplay(ctx context.Context, id, eventID, token, reason string) (bool, error)
	// AbandonReplay releases the review and, if token still holds the event, returns it to
	// dead_lettered without counting an attempt.
	AbandonReplay(ctx context.Context, id, eventID, token string) error
	// Resolve closes an entry without reprocessing it.
	Resolve(ctx context.Context, id, by string) (bool, error)
}

type DeadLetterRepositoryImpl struct {
	db *sqlx.DB
}

func NewDeadLetterRepository(db *sqlx.DB) *DeadLetterRepositoryImpl {
	return &DeadLetterRepositoryImpl{db: db}
}

var _ DeadLetterRepository = (*DeadLetterRepositoryImpl)(nil)

func (r *DeadLetterRepositoryImpl) Escalate(ctx context.Context, entryID string, ev model.WebhookEvent, token, reason string) (bool, error) {
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		held, err := affectedOne(tx.ExecContext(ctx, `
			UPDATE webhook_events
			   SET status = 'dead_lettered', claim_token = NULL, retry_count = ?, last_error = ?, updated_at = NOW(6)
			 WHERE id = ? AND status = 'processing' AND claim_token = ?
		`, ev.RetryCount, reason, ev.ID, token))
		if err != nil {
			return err
		}
		if !held {
			return errClaimLost
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO webhook_dead_letters
			    (id, webhook_event_id, provider, event_type, payload, failure_reason, retry_attempts, in_review, resolved, created_at)
			VALUES
			    (?,  ?,                ?,        ?,          ?,       ?,              0,              0,         0,        NOW(6))
			ON DUPLICATE KEY UPDATE failure_reason = VALUES(failure_reason)
		`, entryID, ev.ID, ev.Provider, ev.EventType, []byte(ev.Payload), reason)
		return err
	})
	return fenced(err)
}

func (r *DeadLetterRepositoryImpl) Get(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	err := r.db.GetContext(ctx, &e, `SELECT `+deadLetterColumns+` FROM webhook_dead_letters WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *DeadLetterRepositoryImpl) ListUnresolved(ctx context.Context, provider string, limit, offset int) ([]model.DeadLetterEntry, error) {
	limit, offset = clampPage(limit, offset)

	q := `SELECT ` + deadLetterColumns + ` FROM webhook_dead_letters WHERE resolved = 0`
	var args []any
	if provider != "" {
		q += " AND provider = ?"
		args = append(args, provider)
	}
	q += " ORDER BY created_at LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.DeadLetterEntry
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DeadLetterRepositoryImpl) CountUnresolved(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Provider string `db:"provider"`
		N        int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT provider, COUNT(*) AS n
		  FROM webhook_dead_letters
		 WHERE resolved = 0
		 GROUP BY provider
	`); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Provider] = row.N
	}
	return out, nil
}

func (r *DeadLetterRepositoryImpl) BeginReview(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_dead_letters
		   SET in_review = 1, review_started_at = NOW(6)
		 WHERE id = ? AND resolved = 0
		   AND (in_review = 0 OR review_started_at < ?)
	`, id, staleBefore)
	return affectedOne(res, err)
}

func (r *DeadLetterRepositoryImpl) ReleaseReview(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_dead_letters SET in_review = 0, review_started_at = NULL WHERE id = ?
	`, id)
	return err
}

func (r *DeadLetterRepositoryImpl) CompleteReplay(ctx context.Context, id, eventID, token, by string) (bool, error) {
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		held, err := affectedOne(tx.ExecContext(ctx, `
			UPDATE webhook_events
			   SET status = 'succeeded', claim_token = NULL, last_error = NULL, processed_at = NOW(6), updated_at = NOW(6)
			 WHERE id = ? AND status = 'processing' AND claim_token = ?
		`, eventID, token))
		if err != nil {
			return err
		}
		if !held {
			return errClaimLost
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_dead_letters
			   SET resolved = 1, resolved_at = NOW(6), resolved_by = ?,
			       retry_attempts = retry_attempts + 1, last_retry_at = NOW(6),
			       in_review = 0, review_started_at = NULL
			 WHERE id = ?
		`, by, id)
		return err
	})
	return fenced(err)
}

func (r *DeadLetterRepositoryImpl) FailReplay(ctx context.Context, id, eventID, token, reason string) (bool, error) {
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		held, err := affectedOne(tx.ExecContext(ctx, `
			UPDATE webhook_events
			   SET status = 'dead_lettered', claim_token = NULL, last_error = ?, updated_at = NOW(6)
			 WHERE id = ? AND status = 'processing' AND claim_token = ?
		`, reason, eventID, token))
		if err != nil {
			return err
		}
		if !held {
			return errClaimLost
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_dead_letters
			   SET retry_attempts = retry_attempts + 1, last_retry_at = NOW(6), failure_reason = ?,
			       in_review = 0, review_started_at = NULL
			 WHERE id = ?
		`, reason, id)
		return err
	})
	return fenced(err)
}

func (r *DeadLetterRepositoryImpl) AbandonReplay(ctx context.Context, id, eventID, token string) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhook_events
			   SET status = 'dead_lettered', claim_token = NULL, updated_at = NOW(6)
			 WHERE id = ? AND status = 'processing' AND claim_token = ?
		`, eventID, token); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE webhook_dead_letters SET in_review = 0, review_started_at = NULL WHERE id = ?
		`, id)
		return err
	})
}

func (r *DeadLetterRepositoryImpl) Resolve(ctx context.Context, id, by string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_dead_letters
		   SET resolved = 1, resolved_at = NOW(6), resolved_by = ?
		 WHERE id = ? AND resolved = 0 AND in_review = 0
	`, by, id)
	return affectedOne(res, err)
}
