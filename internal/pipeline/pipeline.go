package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/provider"
	"github.com/jmehdipour/webhook-gateway/internal/signature"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeRetryLater Outcome = "retry_later"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeScheduled  Outcome = "scheduled"
)

type Options struct {
	MaxAttempts     int
	ProcessingLease time.Duration
	Async           bool
}

// OptionsFrom maps the pipeline config section.
func OptionsFrom(c config.PipelineConfig) Options {
	return Options{
		MaxAttempts:     c.MaxAttempts,
		ProcessingLease: c.ProcessingLease,
		Async:           c.DispatchMode == "async",
	}
}

// Request is one inbound delivery as received on the wire.
type Request struct {
	Provider  string
	Body      []byte
	Signature string
	Routing   signature.Routing
}

type ReceiptItem struct {
	EventID         string  `json:"event_id"`
	ExternalEventID string  `json:"external_event_id"`
	EventType       string  `json:"event_type"`
	Duplicate       bool    `json:"duplicate"`
	Outcome         Outcome `json:"outcome"`
}

type Receipt struct {
	Provider string        `json:"provider"`
	Events   []ReceiptItem `json:"events"`
}

// Pipeline verifies, stores and dispatches webhook events.
type Pipeline struct {
	providers map[string]config.ProviderConfig
	verifier  Verifier
	events    EventStore
	registry  *Registry
	retry     *RetryController
	rec       *Recorder
	scheduler Scheduler
	opts      Options
	log       *zap.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func New(
	providers []config.ProviderConfig,
	verifier Verifier,
	events EventStore,
	registry *Registry,
	retry *RetryController,
	rec *Recorder,
	scheduler Scheduler,
	opts Options,
	l *zap.Logger,
) *Pipeline {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.ProcessingLease <= 0 {
		opts.ProcessingLease = 5 * time.Minute
	}
	byName := make(map[string]config.ProviderConfig, len(providers))
	for _, p := range providers {
		if p.Enabled {
			byName[strings.ToLower(p.Name)] = p
		}
	}
	return &Pipeline{
		providers: byName,
		verifier:  verifier,
		events:    events,
		registry:  registry,
		retry:     retry,
		rec:       rec,
		scheduler: scheduler,
		opts:      opts,
		log:       logger.OrNop(l),
		Now:       time.Now,
	}
}

// Receive authenticates a delivery, stores each event it carries and dispatches the ones
// that are new or still eligible. It returns an error only when the delivery is rejected
// or an event could not be stored; handler failures are absorbed by the retry path.
func (p *Pipeline) Receive(ctx context.Context, req Request) (Receipt, error) {
	name := strings.ToLower(req.Provider)
	pc, ok := p.providers[name]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}

	if !p.verifier.Verify(name, req.Body, req.Signature, req.Routing) {
		metrics.EventsTotal.WithLabelValues(name, "rejected").Inc()
		p.log.Warn("webhook signature rejected", zap.String("provider", name))
		return Receipt{}, fmt.Errorf("%w: %s", ErrAuthentication, name)
	}

	envs, err := provider.Parse(pc.Kind, req.Body)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	receipt := Receipt{Provider: name, Events: make([]ReceiptItem, 0, len(envs))}
	for _, env := range envs {
		ev, created, err := p.events.Insert(ctx, model.WebhookEvent{
			ID:              util.New(),
			Provider:        name,
			EventType:       env.EventType,
			ExternalEventID: env.ExternalEventID,
			Payload:         env.Payload,
			SignatureValid:  true,
		})
		if err != nil {
			return receipt, fmt.Errorf("store event %s: %w", env.ExternalEventID, err)
		}

		item := ReceiptItem{
			EventID:         ev.ID,
			ExternalEventID: ev.ExternalEventID,
			EventType:       ev.EventType,
			Duplicate:       !created,
		}
		fields := []zap.Field{
			zap.String("provider", name),
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.ID),
			zap.String("external_event_id", ev.ExternalEventID),
		}
		if created {
			metrics.EventsTotal.WithLabelValues(name, "received").Inc()
		} else {
			metrics.EventsTotal.WithLabelValues(name, "duplicate").Inc()
			p.log.Info("duplicate delivery", append(fields, zap.String("status", ev.Status.String()))...)
		}

		// Succeeded and dead-lettered events are final for redelivery. A processing row is
		// left to Claim, which only takes it over once the lease expired.
		if ev.Status == model.EventSucceeded || ev.Status == model.EventDeadLettered {
			item.Outcome = OutcomeSkipped
			receipt.Events = append(receipt.Events, item)
			continue
		}

		if p.opts.Async && p.scheduler != nil {
			item.Outcome = OutcomeScheduled
			if err := p.scheduler.ScheduleDispatch(ctx, model.DispatchEnvelope{
				EventID: ev.ID, Provider: ev.Provider, EventType: ev.EventType,
			}); err != nil {
				// The row is durable; the sweeper picks it up.
				p.log.Error("schedule dispatch", append(fields, zap.Error(err))...)
			}
		} else {
			out, err := p.Dispatch(ctx, ev)
			if err != nil {
				p.log.Error("dispatch", append(fields, zap.Error(err))...)
			}
			item.Outcome = out
		}
		receipt.Events = append(receipt.Events, item)
	}
	return receipt, nil
}

// DispatchByID loads a stored event and dispatches it.
func (p *Pipeline) DispatchByID(ctx context.Context, id string) (Outcome, error) {
	ev, err := p.events.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if ev == nil {
		return "", fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return p.Dispatch(ctx, *ev)
}

// Dispatch claims ev and runs its handler. Events that cannot be claimed are Skipped, as are
// attempts whose claim was taken over by another worker before they finished.
// A returned error is a store failure; handler errors are reported through the Outcome.
func (p *Pipeline) Dispatch(ctx context.Context, ev model.WebhookEvent) (Outcome, error) {
	token := util.New()
	claimed, err := p.events.Claim(ctx, ev.ID, token, p.Now().Add(-p.opts.ProcessingLease))
	if err != nil {
		return "", fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		metrics.EventsTotal.WithLabelValues(ev.Provider, "skipped").Inc()
		return OutcomeSkipped, nil
	}

	fresh, err := p.events.Get(ctx, ev.ID)
	if err != nil {
		return "", fmt.Errorf("reload: %w", err)
	}
	if fresh == nil {
		return "", fmt.Errorf("%w: event %s", ErrNotFound, ev.ID)
	}
	ev = *fresh

	// Already at the ceiling, e.g. after max_attempts was lowered.
	if ev.RetryCount >= p.opts.MaxAttempts {
		reason := "retry budget exhausted"
		if ev.LastError != nil {
			reason = *ev.LastError
		}
		held, err := p.retry.Escalate(ctx, ev, token, reason)
		if err != nil {
			return "", err
		}
		if !held {
			return p.lostClaim(ev), nil
		}
		return OutcomeEscalated, nil
	}

	p.rec.Record(ctx, ev.ID, ActionDispatchStart, model.ActionSuccess, map[string]any{"attempt": ev.RetryCount + 1}, nil)

	if herr := p.run(ctx, ev); herr != nil {
		p.rec.Record(ctx, ev.ID, ActionDispatchFailed, model.ActionFailed, nil, herr)
		p.log.Warn("handler failed",
			zap.String("provider", ev.Provider),
			zap.String("event_type", ev.EventType),
			zap.String("event_id", ev.ID),
			zap.Error(herr),
		)
		decision, err := p.retry.OnFailure(ctx, ev, token, herr)
		if err != nil {
			return "", err
		}
		switch decision {
		case Escalate:
			return OutcomeEscalated, nil
		case LostClaim:
			return p.lostClaim(ev), nil
		}
		return OutcomeRetryLater, nil
	}

	held, err := p.events.MarkSucceeded(ctx, ev.ID, token)
	if err != nil {
		return "", fmt.Errorf("mark succeeded: %w", err)
	}
	if !held {
		return p.lostClaim(ev), nil
	}
	p.rec.Record(ctx, ev.ID, ActionDispatchSucceeded, model.ActionSuccess, nil, nil)
	metrics.EventsTotal.WithLabelValues(ev.Provider, "succeeded").Inc()
	return OutcomeSucceeded, nil
}

func (p *Pipeline) lostClaim(ev model.WebhookEvent) Outcome {
	p.log.Warn("claim taken over before the attempt finished",
		zap.String("provider", ev.Provider),
		zap.String("event_type", ev.EventType),
		zap.String("event_id", ev.ID),
	)
	metrics.EventsTotal.WithLabelValues(ev.Provider, "skipped").Inc()
	return OutcomeSkipped
}

// run invokes the registered handler, timing it and turning a panic into an error.
func (p *Pipeline) run(ctx context.Context, ev model.WebhookEvent) (err error) {
	h := p.registry.Lookup(ev.Provider, ev.EventType)
	start := p.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.HandlerDuration.WithLabelValues(ev.Provider, ev.EventType, outcome).Observe(p.Now().Sub(start).Seconds())
	}()
	return h.Handle(ctx, ev)
}

// Providers lists the enabled provider configs by name.
func (p *Pipeline) Providers() []config.ProviderConfig {
	out := make([]config.ProviderConfig, 0, len(p.providers))
	for _, pc := range p.providers {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
