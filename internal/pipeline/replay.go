package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

// Replayer re-runs dead-lettered events on operator request. It works on the stored
// payload: no signature check, no ingestion, no automatic escalation.
type Replayer struct {
	p           *Pipeline
	dlq         DeadLetterStore
	reviewLease time.Duration
	log         *zap.Logger
}

func NewReplayer(p *Pipeline, dlq DeadLetterStore, reviewLease time.Duration, l *zap.Logger) *Replayer {
	if reviewLease <= 0 {
		reviewLease = 10 * time.Minute
	}
	return &Replayer{p: p, dlq: dlq, reviewLease: reviewLease, log: logger.OrNop(l)}
}

func (r *Replayer) load(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	entry, err := r.dlq.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: dead letter %s", ErrNotFound, id)
	}
	if entry.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	return entry, nil
}

// contended explains why a conditional DLQ update matched nothing.
func (r *Replayer) contended(ctx context.Context, id string) error {
	entry, err := r.dlq.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: dead letter %s", ErrNotFound, id)
	}
	if entry.Resolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	return fmt.Errorf("%w: %s", ErrReplayInProgress, id)
}

// Replay dispatches the entry's event once. On success the entry is resolved by operator and
// the event succeeded; on failure the entry records the attempt and stays unresolved, and the
// returned error wraps ErrReplayFailed.
func (r *Replayer) Replay(ctx context.Context, id, operator string) error {
	entry, err := r.load(ctx, id)
	if err != nil {
		r.reject(entry, err)
		return err
	}

	now := r.p.Now()
	ok, err := r.dlq.BeginReview(ctx, id, now.Add(-r.reviewLease))
	if err != nil {
		return fmt.Errorf("begin review: %w", err)
	}
	if !ok {
		err := r.contended(ctx, id)
		r.reject(entry, err)
		return err
	}

	token := util.New()
	claimed, err := r.p.events.ClaimForReplay(ctx, entry.WebhookEventID, token, now.Add(-r.p.opts.ProcessingLease))
	if err == nil && !claimed {
		err = fmt.Errorf("%w: event %s is being processed", ErrReplayInProgress, entry.WebhookEventID)
	}
	if err != nil {
		if rerr := r.dlq.ReleaseReview(ctx, id); rerr != nil {
			r.log.Error("release review", zap.String("dlq_id", id), zap.Error(rerr))
		}
		return err
	}

	// Until the attempt is recorded, any exit hands the entry and the event back.
	done := false
	defer func() {
		if done {
			return
		}
		if aerr := r.dlq.AbandonReplay(context.WithoutCancel(ctx), id, entry.WebhookEventID, token); aerr != nil {
			r.log.Error("abandon replay", zap.String("dlq_id", id), zap.Error(aerr))
		}
	}()

	ev, err := r.p.events.Get(ctx, entry.WebhookEventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	if ev == nil {
		return fmt.Errorf("%w: event %s", ErrNotFound, entry.WebhookEventID)
	}

	fields := []zap.Field{
		zap.String("dlq_id", id),
		zap.String("provider", ev.Provider),
		zap.String("event_type", ev.EventType),
		zap.String("event_id", ev.ID),
		zap.String("operator", operator),
	}
	r.p.rec.Record(ctx, ev.ID, ActionReplayStart, model.ActionSuccess,
		map[string]any{"dlq_id": id, "operator": operator, "attempt": entry.RetryAttempts + 1}, nil)

	if herr := r.p.run(ctx, *ev); herr != nil {
		held, err := r.dlq.FailReplay(ctx, id, ev.ID, token, herr.Error())
		if err != nil {
			return fmt.Errorf("record replay failure: %w", err)
		}
		if !held {
			return r.lostClaim(ev.ID, fields)
		}
		done = true
		r.p.rec.Record(ctx, ev.ID, ActionReplayFailed, model.ActionFailed, map[string]any{"dlq_id": id}, herr)
		metrics.ReplaysTotal.WithLabelValues(ev.Provider, "failed").Inc()
		r.log.Warn("replay failed", append(fields, zap.Error(herr))...)
		return fmt.Errorf("%w: %v", ErrReplayFailed, herr)
	}

	held, err := r.dlq.CompleteReplay(ctx, id, ev.ID, token, operator)
	if err != nil {
		return fmt.Errorf("complete replay: %w", err)
	}
	if !held {
		return r.lostClaim(ev.ID, fields)
	}
	done = true
	r.p.rec.Record(ctx, ev.ID, ActionReplaySucceeded, model.ActionSuccess, map[string]any{"dlq_id": id, "operator": operator}, nil)
	metrics.ReplaysTotal.WithLabelValues(ev.Provider, "succeeded").Inc()
	r.log.Info("replay succeeded", fields...)
	return nil
}

// lostClaim reports a replay whose event was reclaimed by a dispatcher while it ran.
func (r *Replayer) lostClaim(eventID string, fields []zap.Field) error {
	r.log.Warn("replay lost its claim on the event", fields...)
	return fmt.Errorf("%w: event %s was taken over", ErrReplayInProgress, eventID)
}

// Resolve closes an entry without reprocessing. The event stays dead_lettered.
func (r *Replayer) Resolve(ctx context.Context, id, operator, note string) error {
	entry, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	ok, err := r.dlq.Resolve(ctx, id, operator)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if !ok {
		return r.contended(ctx, id)
	}
	r.p.rec.Record(ctx, entry.WebhookEventID, ActionResolved, model.ActionSuccess,
		map[string]any{"dlq_id": id, "operator": operator, "note": note}, nil)
	r.log.Info("dead letter resolved manually",
		zap.String("dlq_id", id),
		zap.String("event_id", entry.WebhookEventID),
		zap.String("operator", operator),
	)
	return nil
}

func (r *Replayer) reject(entry *model.DeadLetterEntry, err error) {
	provider := "unknown"
	if entry != nil {
		provider = entry.Provider
	}
	metrics.ReplaysTotal.WithLabelValues(provider, "rejected").Inc()
	r.log.Info("replay rejected", zap.Error(err))
}
