package repository

import (
	"context"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// ActionLogRepository is append-only: there is no update or delete.
type ActionLogRepository interface {
	Append(ctx context.Context, e model.ActionLogEntry) error
	ListByEvent(ctx context.Context, eventID string) ([]model.ActionLogEntry, error)
}

type ActionLogRepositoryImpl struct {
	db *sqlx.DB
}

func NewActionLogRepository(db *sqlx.DB) *ActionLogRepositoryImpl {
	return &ActionLogRepositoryImpl{db: db}
}

var _ ActionLogRepository = (*ActionLogRepositoryImpl)(nil)

func (r *ActionLogRepositoryImpl) Append(ctx context.Context, e model.ActionLogEntry) error {
	details := []byte(e.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_action_logs (id, webhook_event_id, action, status, details, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NOW(6))
	`, e.ID, e.WebhookEventID, e.Action, string(e.Status), details, e.ErrorMessage)
	return err
}

func (r *ActionLogRepositoryImpl) ListByEvent(ctx context.Context, eventID string) ([]model.ActionLogEntry, error) {
	var rows []model.ActionLogEntry
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, webhook_event_id, action, status, details, error_message, created_at
		  FROM webhook_action_logs
		 WHERE webhook_event_id = ?
		 ORDER BY created_at, id
	`, eventID)
	return rows, err
}
