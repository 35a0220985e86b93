package model

import (
	"encoding/json"
	"time"
)

type ActionStatus string

const (
	ActionSuccess  ActionStatus = "success"
	ActionFailed   ActionStatus = "failed"
	ActionRetrying ActionStatus = "retrying"
)

// ActionLogEntry is one append-only row of webhook_action_logs.
type ActionLogEntry struct {
	ID             string          `db:"id"`
	WebhookEventID string          `db:"webhook_event_id"`
	Action         string          `db:"action"`
	Status         ActionStatus    `db:"status"`
	Details        json.RawMessage `db:"details"`
	ErrorMessage   *string         `db:"error_message"`
	CreatedAt      time.Time       `db:"created_at"`
}
