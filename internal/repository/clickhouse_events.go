package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// EventStat is one day/provider/status bucket of webhook traffic.
type EventStat struct {
	Day       time.Time `db:"day" json:"day"`
	Provider  string    `db:"provider" json:"provider"`
	EventType string    `db:"event_type" json:"event_type"`
	Status    string    `db:"status" json:"status"`
	Events    uint64    `db:"events" json:"events"`
	Retries   uint64    `db:"retries" json:"retries"`
}

// CHEventsRepository aggregates webhook events from ClickHouse (CDC mirror, final view).
type CHEventsRepository interface {
	Stats(ctx context.Context, provider string, days int) ([]EventStat, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) Stats(ctx context.Context, provider string, days int) ([]EventStat, error) {
	if days <= 0 || days > 90 {
		days = 7
	}

	q := `
		SELECT toDate(received_at) AS day, provider, event_type, status,
		       count() AS events, sum(retry_count) AS retries
		FROM whgw.webhook_events_latest FINAL
		WHERE received_at >= now() - toIntervalDay(?)
	`
	args := []any{days}

	if provider != "" {
		q += " AND provider = ?"
		args = append(args, provider)
	}
	q += " GROUP BY day, provider, event_type, status ORDER BY day DESC, provider, event_type, status"

	var rows []EventStat
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// Engagement is one open or click of a delivered email.
type Engagement struct {
	EventID    string
	Email      string
	Kind       string // open|click
	MessageID  string
	URL        string
	UserAgent  string
	IP         string
	OccurredAt time.Time
}

// CHEngagementRepository appends to whgw.email_engagement, a ReplacingMergeTree keyed by
// event_id so a re-run of the same event collapses on merge.
type CHEngagementRepository interface {
	Track(ctx context.Context, e Engagement) error
}

type chEngagementRepository struct {
	ch *sqlx.DB
}

func NewCHEngagementRepository(ch *sqlx.DB) CHEngagementRepository {
	return &chEngagementRepository{ch: ch}
}

func (r *chEngagementRepository) Track(ctx context.Context, e Engagement) error {
	tx, err := r.ch.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO whgw.email_engagement (event_id, email, kind, message_id, url, user_agent, ip, occurred_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, e.EventID, e.Email, e.Kind, e.MessageID, e.URL, e.UserAgent, e.IP, e.OccurredAt); err != nil {
		return err
	}
	return tx.Commit()
}
