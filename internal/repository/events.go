package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

const eventColumns = `id, provider, event_type, external_event_id, payload, signature_valid, status,
		       retry_count, last_error, received_at, processed_at, updated_at`

// EventsRepository persists webhook_events. It is the only writer of the status column.
type EventsRepository interface {
	// Insert stores a pending event. When (provider, external_event_id) already exists it
	// returns the stored row with created=false.
	Insert(ctx context.Context, e model.WebhookEvent) (model.WebhookEvent, bool, error)
	Get(ctx context.Context, id string) (*model.WebhookEvent, error)
	// Claim moves a pending/failed event, or a processing one last touched before staleBefore,
	// to processing under token. Only one concurrent caller gets true.
	Claim(ctx context.Context, id, token string, staleBefore time.Time) (bool, error)
	// ClaimForReplay moves a dead_lettered event, or one left processing by an abandoned
	// replay, to processing under token.
	ClaimForReplay(ctx context.Context, id, token string, staleBefore time.Time) (bool, error)
	// MarkSucceeded, RecordFailure and the dead-letter transitions only apply while the row
	// is still processing under token; false means another worker took the claim over.
	MarkSucceeded(ctx context.Context, id, token string) (bool, error)
	// RecordFailure increments retry_count, sets status=failed and returns the new count.
	RecordFailure(ctx context.Context, id, token, reason string) (int, bool, error)
	ListRetryable(ctx context.Context, olderThan, staleBefore time.Time, limit int) ([]model.WebhookEvent, error)
	List(ctx context.Context, f model.EventFilter) ([]model.WebhookEvent, error)
}

type EventsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEventsRepository(db *sqlx.DB) *EventsRepositoryImpl {
	return &EventsRepositoryImpl{db: db}
}

var _ EventsRepository = (*EventsRepositoryImpl)(nil)

func (r *EventsRepositoryImpl) Insert(ctx context.Context, e model.WebhookEvent) (model.WebhookEvent, bool, error) {
	const q = `
		INSERT INTO webhook_events
		    (id, provider, event_type, external_event_id, payload, signature_valid, status, retry_count, received_at, updated_at)
		VALUES
		    (?,  ?,        ?,          ?,                 ?,       ?,               'pending', 0,        NOW(6),      NOW(6))
	`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.Provider, e.EventType, e.ExternalEventID, []byte(e.Payload), e.SignatureValid,
	)
	if err != nil {
		if !IsDuplicate(err) {
			return model.WebhookEvent{}, false, err
		}
		existing, gerr := r.getByExternal(ctx, e.Provider, e.ExternalEventID)
		if gerr != nil {
			return model.WebhookEvent{}, false, fmt.Errorf("load existing event: %w", gerr)
		}
		return existing, false, nil
	}

	stored, err := r.Get(ctx, e.ID)
	if err != nil {
		return model.WebhookEvent{}, false, err
	}
	if stored == nil {
		return model.WebhookEvent{}, false, fmt.Errorf("event %s vanished after insert", e.ID)
	}
	return *stored, true, nil
}

func (r *EventsRepositoryImpl) getByExternal(ctx context.Context, provider, externalID string) (model.WebhookEvent, error) {
	var e model.WebhookEvent
	err := r.db.GetContext(ctx, &e, `
		SELECT `+eventColumns+`
		  FROM webhook_events
		 WHERE provider = ? AND external_event_id = ?
	`, provider, externalID)
	return e, err
}

func (r *EventsRepositoryImpl) Get(ctx context.Context, id string) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	err := r.db.GetContext(ctx, &e, `
		SELECT `+eventColumns+`
		  FROM webhook_events
		 WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EventsRepositoryImpl) Claim(ctx context.Context, id, token string, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		   SET status = 'processing', claim_token = ?, updated_at = NOW(6)
		 WHERE id = ?
		   AND (status IN ('pending', 'failed') OR (status = 'processing' AND updated_at < ?))
	`, token, id, staleBefore)
	return affectedOne(res, err)
}

func (r *EventsRepositoryImpl) ClaimForReplay(ctx context.Context, id, token string, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		   SET status = 'processing', claim_token = ?, updated_at = NOW(6)
		 WHERE id = ?
		   AND (status = 'dead_lettered' OR (status = 'processing' AND updated_at < ?))
	`, token, id, staleBefore)
	return affectedOne(res, err)
}

func (r *EventsRepositoryImpl) MarkSucceeded(ctx context.Context, id, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		   SET status = 'succeeded', claim_token = NULL, last_error = NULL, processed_at = NOW(6), updated_at = NOW(6)
		 WHERE id = ? AND status = 'processing' AND claim_token = ?
	`, id, token)
	return affectedOne(res, err)
}

func (r *EventsRepositoryImpl) RecordFailure(ctx context.Context, id, token, reason string) (int, bool, error) {
	var count int
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		held, err := affectedOne(tx.ExecContext(ctx, `
			UPDATE webhook_events
			   SET status = 'failed', claim_token = NULL, retry_count = retry_count + 1, last_error = ?, updated_at = NOW(6)
			 WHERE id = ? AND status = 'processing' AND claim_token = ?
		`, reason, id, token))
		if err != nil {
			return err
		}
		if !held {
			return errClaimLost
		}
		return tx.QueryRowxContext(ctx, `SELECT retry_count FROM webhook_events WHERE id = ?`, id).Scan(&count)
	})
	if errors.Is(err, errClaimLost) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (r *EventsRepositoryImpl) ListRetryable(ctx context.Context, olderThan, staleBefore time.Time, limit int) ([]model.WebhookEvent, error) {
	limit, _ = clampPage(limit, 0)
	var rows []model.WebhookEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+eventColumns+`
		  FROM webhook_events
		 WHERE (status IN ('pending', 'failed') AND updated_at < ?)
		    OR (status = 'processing' AND updated_at < ?)
		 ORDER BY received_at
		 LIMIT ?
	`, olderThan, staleBefore, limit)
	return rows, err
}

func (r *EventsRepositoryImpl) List(ctx context.Context, f model.EventFilter) ([]model.WebhookEvent, error) {
	limit, offset := clampPage(f.Limit, f.Offset)

	var where []string
	var args []any
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status.String())
	}
	if f.From != nil {
		where = append(where, "received_at >= ?")
		args = append(args, *f.From)
	}
	if f.To != nil {
		where = append(where, "received_at < ?")
		args = append(args, *f.To)
	}

	q := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY received_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.WebhookEvent
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
