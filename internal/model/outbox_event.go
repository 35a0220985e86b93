package model

import "time"

// OutboxEvent is picked up by Debezium and published to Topic.
// IdempotencyKey is unique so re-running a step never enqueues twice.
type OutboxEvent struct {
	ID             int64     `db:"id"`
	Aggregate      string    `db:"aggregate"`    // e.g. "webhook_event"
	AggregateID    string    `db:"aggregate_id"` // webhook_events.id
	Topic          string    `db:"topic"`
	IdempotencyKey string    `db:"idempotency_key"`
	Payload        []byte    `db:"payload"`
	Attempts       int       `db:"attempts"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Notification is the payload of the notifications.email topic.
type Notification struct {
	EventID   string            `json:"event_id"`
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Vars      map[string]string `json:"vars,omitempty"`
	// Key replaces the "<event id>:<template>" outbox key when set.
	Key       string            `json:"-"`
}

// DispatchEnvelope is the payload of the webhooks.dispatch topic.
type DispatchEnvelope struct {
	EventID   string `json:"event_id"`
	Provider  string `json:"provider"`
	EventType string `json:"event_type"`
}
