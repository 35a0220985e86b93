package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/util"
)

const (
	NotificationsKafkaTopic = "notifications.email"
	DispatchKafkaTopic      = "webhooks.dispatch"
)

// Service writes outbox rows that Debezium publishes to Kafka.
type Service struct {
	outbox repository.OutboxRepository
}

// New constructs the queue service.
func New(outboxRepo repository.OutboxRepository) *Service {
	return &Service{outbox: outboxRepo}
}

// Notify enqueues a templated email for delivery by the notification service.
// The outbox row is keyed by n.Key, or "<event id>:<template>" when that is empty, so
// re-running the step that produced it reports created=false instead of sending twice.
func (s *Service) Notify(ctx context.Context, n model.Notification) (bool, error) {
	if n.EventID == "" || n.Template == "" {
		return false, fmt.Errorf("notification needs event id and template")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return false, fmt.Errorf("marshal notification: %w", err)
	}
	key := n.Key
	if key == "" {
		key = n.EventID + ":" + n.Template
	}

	created, err := s.outbox.Insert(ctx, nil, model.OutboxEvent{
		Aggregate:      "webhook_event",
		AggregateID:    n.EventID,
		Topic:          NotificationsKafkaTopic,
		IdempotencyKey: key,
		Payload:        payload,
	})
	if err != nil {
		return false, fmt.Errorf("insert outbox: %w", err)
	}
	return created, nil
}

// ScheduleDispatch hands a stored event to the async dispatcher. Call it only after
// the event row committed.
func (s *Service) ScheduleDispatch(ctx context.Context, env model.DispatchEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dispatch envelope: %w", err)
	}

	// A fresh key per schedule: a re-dispatch of a failed event must publish again.
	_, err = s.outbox.Insert(ctx, nil, model.OutboxEvent{
		Aggregate:      "webhook_event",
		AggregateID:    env.EventID,
		Topic:          DispatchKafkaTopic,
		IdempotencyKey: "dispatch:" + env.EventID + ":" + util.New(),
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
