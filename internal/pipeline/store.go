package pipeline

import (
	"context"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/signature"
)

// EventStore is the subset of the events repository the pipeline drives.
type EventStore interface {
	Insert(ctx context.Context, e model.WebhookEvent) (model.WebhookEvent, bool, error)
	Get(ctx context.Context, id string) (*model.WebhookEvent, error)
	Claim(ctx context.Context, id, token string, staleBefore time.Time) (bool, error)
	ClaimForReplay(ctx context.Context, id, token string, staleBefore time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, id, token string) (bool, error)
	RecordFailure(ctx context.Context, id, token, reason string) (int, bool, error)
}

type DeadLetterStore interface {
	Escalate(ctx context.Context, entryID string, ev model.WebhookEvent, token, reason string) (bool, error)
	Get(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	BeginReview(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	ReleaseReview(ctx context.Context, id string) error
	CompleteReplay(ctx context.Context, id, eventID, token, by string) (bool, error)
	FailReplay(ctx context.Context, id, eventID, token, reason string) (bool, error)
	AbandonReplay(ctx context.Context, id, eventID, token string) error
	Resolve(ctx context.Context, id, by string) (bool, error)
}

type ActionLog interface {
	Append(ctx context.Context, e model.ActionLogEntry) error
}

type Verifier interface {
	Verify(provider string, body []byte, sig string, r signature.Routing) bool
}

// Scheduler hands a stored event to the async dispatcher.
type Scheduler interface {
	ScheduleDispatch(ctx context.Context, env model.DispatchEnvelope) error
}
