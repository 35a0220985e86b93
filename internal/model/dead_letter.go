package model

import (
	"encoding/json"
	"time"
)

// DeadLetterEntry holds an event that exhausted automatic retries.
// RetryAttempts counts operator replays, not automatic attempts.
type DeadLetterEntry struct {
	ID              string          `db:"id"`
	WebhookEventID  string          `db:"webhook_event_id"`
	Provider        string          `db:"provider"`
	EventType       string          `db:"event_type"`
	Payload         json.RawMessage `db:"payload"`
	FailureReason   string          `db:"failure_reason"`
	RetryAttempts   int             `db:"retry_attempts"`
	LastRetryAt     *time.Time      `db:"last_retry_at"`
	InReview        bool            `db:"in_review"`
	ReviewStartedAt *time.Time      `db:"review_started_at"`
	Resolved        bool            `db:"resolved"`
	ResolvedAt      *time.Time      `db:"resolved_at"`
	ResolvedBy      *string         `db:"resolved_by"`
	CreatedAt       time.Time       `db:"created_at"`
}
