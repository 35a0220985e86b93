package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore mirrors the SQL repositories: a unique (provider, external id) index and
// conditional updates, all under one mutex.
type memStore struct {
	mu      sync.Mutex
	clock   *clock
	events  map[string]*model.WebhookEvent
	byExt   map[[2]string]string
	dlq     map[string]*model.DeadLetterEntry
	dlqByEv map[string]string
	tokens  map[string]string // claim token per processing event
	actions []model.ActionLogEntry
}

func newMemStore(c *clock) *memStore {
	return &memStore{
		clock:   c,
		events:  map[string]*model.WebhookEvent{},
		byExt:   map[[2]string]string{},
		dlq:     map[string]*model.DeadLetterEntry{},
		dlqByEv: map[string]string{},
		tokens:  map[string]string{},
	}
}

func (s *memStore) Insert(_ context.Context, e model.WebhookEvent) (model.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{e.Provider, e.ExternalEventID}
	if id, ok := s.byExt[k]; ok {
		return *s.events[id], false, nil
	}
	now := s.clock.Now()
	e.Status = model.EventPending
	e.RetryCount = 0
	e.ReceivedAt = now
	e.UpdatedAt = now
	s.events[e.ID] = &e
	s.byExt[k] = e.ID
	return e, true, nil
}

func (s *memStore) Get(_ context.Context, id string) (*model.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) Claim(_ context.Context, id, token string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return false, nil
	}
	if e.Status.Retryable() || (e.Status == model.EventProcessing && e.UpdatedAt.Before(staleBefore)) {
		e.Status = model.EventProcessing
		e.UpdatedAt = s.clock.Now()
		s.tokens[id] = token
		return true, nil
	}
	return false, nil
}

func (s *memStore) ClaimForReplay(_ context.Context, id, token string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return false, nil
	}
	if e.Status == model.EventDeadLettered || (e.Status == model.EventProcessing && e.UpdatedAt.Before(staleBefore)) {
		e.Status = model.EventProcessing
		e.UpdatedAt = s.clock.Now()
		s.tokens[id] = token
		return true, nil
	}
	return false, nil
}

// held mirrors the `status = 'processing' AND claim_token = ?` guard. Callers hold s.mu.
func (s *memStore) held(id, token string) (*model.WebhookEvent, bool) {
	e, ok := s.events[id]
	if !ok || e.Status != model.EventProcessing || s.tokens[id] != token {
		return nil, false
	}
	return e, true
}

func (s *memStore) MarkSucceeded(_ context.Context, id, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.held(id, token)
	if !ok {
		return false, nil
	}
	now := s.clock.Now()
	e.Status = model.EventSucceeded
	e.LastError = nil
	e.ProcessedAt = &now
	e.UpdatedAt = now
	delete(s.tokens, id)
	return true, nil
}

func (s *memStore) RecordFailure(_ context.Context, id, token, reason string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.held(id, token)
	if !ok {
		return 0, false, nil
	}
	e.Status = model.EventFailed
	e.RetryCount++
	e.LastError = &reason
	e.UpdatedAt = s.clock.Now()
	delete(s.tokens, id)
	return e.RetryCount, true, nil
}

func (s *memStore) Escalate(_ context.Context, entryID string, ev model.WebhookEvent, token, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.held(ev.ID, token)
	if !ok {
		return false, nil
	}
	e.Status = model.EventDeadLettered
	e.RetryCount = ev.RetryCount
	e.LastError = &reason
	e.UpdatedAt = s.clock.Now()
	delete(s.tokens, ev.ID)
	if existing, ok := s.dlqByEv[ev.ID]; ok {
		s.dlq[existing].FailureReason = reason
		return true, nil
	}
	s.dlq[entryID] = &model.DeadLetterEntry{
		ID: entryID, WebhookEventID: ev.ID, Provider: ev.Provider, EventType: ev.EventType,
		Payload: ev.Payload, FailureReason: reason, CreatedAt: s.clock.Now(),
	}
	s.dlqByEv[ev.ID] = entryID
	return true, nil
}

func (s *memStore) DLQGet(id string) *model.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// dlqStore adapts memStore to DeadLetterStore; Get collides with the event getter.
type dlqStore struct{ *memStore }

func (d dlqStore) Get(_ context.Context, id string) (*model.DeadLetterEntry, error) {
	return d.DLQGet(id), nil
}

func (d dlqStore) BeginReview(_ context.Context, id string, staleBefore time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.dlq[id]
	if !ok || e.Resolved {
		return false, nil
	}
	if e.InReview && !e.ReviewStartedAt.Before(staleBefore) {
		return false, nil
	}
	now := d.clock.Now()
	e.InReview = true
	e.ReviewStartedAt = &now
	return true, nil
}

func (d dlqStore) ReleaseReview(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.dlq[id]; ok {
		e.InReview = false
		e.ReviewStartedAt = nil
	}
	return nil
}

func (d dlqStore) CompleteReplay(_ context.Context, id, eventID, token, by string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.held(eventID, token)
	if !ok {
		return false, nil
	}
	now := d.clock.Now()
	ev.Status = model.EventSucceeded
	ev.LastError = nil
	ev.ProcessedAt = &now
	delete(d.tokens, eventID)
	e := d.dlq[id]
	e.Resolved = true
	e.ResolvedAt = &now
	e.ResolvedBy = &by
	e.RetryAttempts++
	e.LastRetryAt = &now
	e.InReview = false
	e.ReviewStartedAt = nil
	return true, nil
}

func (d dlqStore) FailReplay(_ context.Context, id, eventID, token, reason string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.held(eventID, token)
	if !ok {
		return false, nil
	}
	now := d.clock.Now()
	ev.Status = model.EventDeadLettered
	ev.LastError = &reason
	delete(d.tokens, eventID)
	e := d.dlq[id]
	e.RetryAttempts++
	e.LastRetryAt = &now
	e.FailureReason = reason
	e.InReview = false
	e.ReviewStartedAt = nil
	return true, nil
}

func (d dlqStore) AbandonReplay(_ context.Context, id, eventID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev, ok := d.held(eventID, token); ok {
		ev.Status = model.EventDeadLettered
		delete(d.tokens, eventID)
	}
	if e, ok := d.dlq[id]; ok {
		e.InReview = false
		e.ReviewStartedAt = nil
	}
	return nil
}

func (d dlqStore) Resolve(_ context.Context, id, by string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.dlq[id]
	if !ok || e.Resolved || e.InReview {
		return false, nil
	}
	now := d.clock.Now()
	e.Resolved = true
	e.ResolvedAt = &now
	e.ResolvedBy = &by
	return true, nil
}

func (s *memStore) ListUnresolved(provider string) []model.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeadLetterEntry
	for _, e := range s.dlq {
		if !e.Resolved && (provider == "" || e.Provider == provider) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) Append(_ context.Context, e model.ActionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, e)
	return nil
}

func (s *memStore) Actions(eventID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.actions {
		if a.WebhookEventID == eventID {
			out = append(out, a.Action)
		}
	}
	return out
}

func (s *memStore) CountEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memStore) EventByExternal(provider, ext string) *model.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExt[[2]string{provider, ext}]
	if !ok {
		return nil
	}
	cp := *s.events[id]
	return &cp
}
