package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"go.uber.org/zap"
)

// Handler applies one event to platform state. It must be safe to run again for the
// same event: retries and replays re-run every step.
type Handler interface {
	Handle(ctx context.Context, ev model.WebhookEvent) error
}

type HandlerFunc func(ctx context.Context, ev model.WebhookEvent) error

func (f HandlerFunc) Handle(ctx context.Context, ev model.WebhookEvent) error { return f(ctx, ev) }

type registryKey struct {
	provider  string
	eventType string
}

// Registry maps (provider, event type) to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]Handler
	fallback Handler
}

// NewRegistry returns an empty registry whose fallback records an unhandled_event action
// and succeeds.
func NewRegistry(rec *Recorder, l *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[registryKey]Handler),
		fallback: unhandled{rec: rec, log: logger.OrNop(l)},
	}
}

func key(provider, eventType string) registryKey {
	return registryKey{provider: strings.ToLower(provider), eventType: eventType}
}

func (r *Registry) Register(provider, eventType string, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s/%s: nil handler", provider, eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(provider, eventType)
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateHandler, provider, eventType)
	}
	r.handlers[k] = h
	return nil
}

// Lookup never returns nil.
func (r *Registry) Lookup(provider, eventType string) Handler {
	h, _ := r.lookup(provider, eventType)
	return h
}

func (r *Registry) lookup(provider, eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[key(provider, eventType)]; ok {
		return h, true
	}
	return r.fallback, false
}

// Registered reports whether a specific handler exists for the pair.
func (r *Registry) Registered(provider, eventType string) bool {
	_, ok := r.lookup(provider, eventType)
	return ok
}

type unhandled struct {
	rec *Recorder
	log *zap.Logger
}

func (u unhandled) Handle(ctx context.Context, ev model.WebhookEvent) error {
	u.log.Info("no handler registered",
		zap.String("provider", ev.Provider),
		zap.String("event_type", ev.EventType),
		zap.String("event_id", ev.ID),
	)
	metrics.EventsTotal.WithLabelValues(ev.Provider, "unhandled").Inc()
	u.rec.Record(ctx, ev.ID, ActionUnhandled, model.ActionSuccess, map[string]any{"event_type": ev.EventType}, nil)
	return nil
}
