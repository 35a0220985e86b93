package model

import (
	"encoding/json"
	"time"
)

type EventStatus string

const (
	EventPending      EventStatus = "pending"
	EventProcessing   EventStatus = "processing"
	EventSucceeded    EventStatus = "succeeded"
	EventFailed       EventStatus = "failed"
	EventDeadLettered EventStatus = "dead_lettered"
)

func (s EventStatus) String() string {
	return string(s)
}

func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventProcessing, EventSucceeded, EventFailed, EventDeadLettered:
		return true
	}
	return false
}

// Retryable reports whether a redelivery or sweep may dispatch the event again.
// Processing rows are only retryable once their lease expired, which the store decides.
func (s EventStatus) Retryable() bool {
	return s == EventPending || s == EventFailed
}

// WebhookEvent is the DB entity persisted in webhook_events table.
// (Provider, ExternalEventID) is unique.
type WebhookEvent struct {
	ID              string          `db:"id"`
	Provider        string          `db:"provider"`
	EventType       string          `db:"event_type"`
	ExternalEventID string          `db:"external_event_id"`
	Payload         json.RawMessage `db:"payload"`
	SignatureValid  bool            `db:"signature_valid"`
	Status          EventStatus     `db:"status"`
	RetryCount      int             `db:"retry_count"`
	LastError       *string         `db:"last_error"`
	ReceivedAt      time.Time       `db:"received_at"`
	ProcessedAt     *time.Time      `db:"processed_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// EventFilter narrows event listings for the operator API.
type EventFilter struct {
	Provider  string
	EventType string
	Status    EventStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
