package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/pipeline"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceiver struct {
	got []pipeline.Request
	err error
}

func (f *fakeReceiver) Receive(_ context.Context, req pipeline.Request) (pipeline.Receipt, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return pipeline.Receipt{}, f.err
	}
	return pipeline.Receipt{
		Provider: req.Provider,
		Events:   []pipeline.ReceiptItem{{EventID: "evt-1", ExternalEventID: "ext-1", EventType: "payment.created", Outcome: pipeline.OutcomeSucceeded}},
	}, nil
}

func (f *fakeReceiver) Providers() []config.ProviderConfig {
	return []config.ProviderConfig{
		{Name: "sendgrid", Kind: "email", Enabled: true, SignatureHeader: "X-Sig", TimestampHeader: "X-Ts"},
		{Name: "square", Kind: "payments", Enabled: true, SignatureHeader: "X-Square-Hmacsha256-Signature"},
	}
}

type fakeOperators struct{}

func (fakeOperators) GetByAPIKey(_ context.Context, key string) (*model.Operator, error) {
	switch key {
	case "good":
		return &model.Operator{ID: 1, Name: "alice", Status: "active"}, nil
	case "suspended":
		return &model.Operator{ID: 2, Name: "bob", Status: "suspended"}, nil
	case "broken":
		return nil, errors.New("db down")
	}
	return nil, nil
}

type fakeDLQ struct {
	entries  []model.DeadLetterEntry
	provider string
}

func (f *fakeDLQ) ListUnresolved(_ context.Context, provider string, _, _ int) ([]model.DeadLetterEntry, error) {
	f.provider = provider
	return f.entries, nil
}

func (f *fakeDLQ) CountUnresolved(context.Context) (map[string]int, error) {
	return map[string]int{"square": len(f.entries)}, nil
}

type fakeReplays struct {
	err      error
	operator string
	note     string
}

func (f *fakeReplays) Replay(_ context.Context, _, operator string) error {
	f.operator = operator
	return f.err
}

func (f *fakeReplays) Resolve(_ context.Context, _, operator, note string) error {
	f.operator, f.note = operator, note
	return f.err
}

type fakeEvents struct {
	ev     *model.WebhookEvent
	filter model.EventFilter
}

func (f *fakeEvents) Get(_ context.Context, id string) (*model.WebhookEvent, error) {
	if f.ev != nil && f.ev.ID == id {
		return f.ev, nil
	}
	return nil, nil
}

func (f *fakeEvents) List(_ context.Context, filter model.EventFilter) ([]model.WebhookEvent, error) {
	f.filter = filter
	if f.ev == nil {
		return nil, nil
	}
	return []model.WebhookEvent{*f.ev}, nil
}

type fakeActions struct{}

func (fakeActions) ListByEvent(_ context.Context, id string) ([]model.ActionLogEntry, error) {
	return []model.ActionLogEntry{{ID: "a1", WebhookEventID: id, Action: "dispatch.succeeded", Status: model.ActionSuccess, Details: json.RawMessage(`{}`)}}, nil
}

type fakeStats struct{ days int }

func (f *fakeStats) Stats(_ context.Context, provider string, days int) ([]repository.EventStat, error) {
	f.days = days
	return []repository.EventStat{{Provider: "square", Status: "succeeded", Events: 3}}, nil
}

type fixture struct {
	recv    *fakeReceiver
	dlq     *fakeDLQ
	replays *fakeReplays
	events  *fakeEvents
	stats   *fakeStats
	h       http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		recv:    &fakeReceiver{},
		dlq:     &fakeDLQ{},
		replays: &fakeReplays{},
		events:  &fakeEvents{},
		stats:   &fakeStats{},
	}
	f.h = newRouter(Deps{
		Receiver:     f.recv,
		DeadLetters:  f.dlq,
		Replays:      f.replays,
		Events:       f.events,
		ActionLogs:   fakeActions{},
		Stats:        f.stats,
		Operators:    fakeOperators{},
		MaxBodyBytes: 64,
		LogLevel:     "error",
	})
	return f
}

func (f *fixture) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var operator = map[string]string{"X-API-Key": "good"}

func TestHealthz_ListsProviders(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"sendgrid", "square"}, decode(t, rec)["providers"])
}

func TestWebhook_PassesBodyHeadersAndURL(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/webhooks/SendGrid?x=1", `[{"sg_event_id":"a"}]`, map[string]string{
		"X-Sig": "sig-value",
		"X-Ts":  "1700000000",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.recv.got, 1)
	got := f.recv.got[0]
	assert.Equal(t, "sendgrid", got.Provider)
	assert.Equal(t, `[{"sg_event_id":"a"}]`, string(got.Body))
	assert.Equal(t, "sig-value", got.Signature)
	assert.Equal(t, "1700000000", got.Routing.Timestamp)
	assert.Equal(t, "http://example.com/webhooks/SendGrid?x=1", got.Routing.URL)

	out := decode(t, rec)
	assert.Equal(t, true, out["received"])
	assert.Len(t, out["events"], 1)
}

func TestWebhook_ForwardedHostAndScheme(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/webhooks/square", `{}`, map[string]string{
		"X-Forwarded-Proto": "https",
		"X-Forwarded-Host":  "hooks.example.org",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://hooks.example.org/webhooks/square", f.recv.got[0].Routing.URL)
}

func TestWebhook_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"auth", fmt.Errorf("%w: square", pipeline.ErrAuthentication), http.StatusUnauthorized},
		{"unknown", fmt.Errorf("%w: square", pipeline.ErrUnknownProvider), http.StatusNotFound},
		{"malformed", fmt.Errorf("%w: no id", pipeline.ErrMalformedPayload), http.StatusBadRequest},
		{"store", errors.New("mysql gone"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.recv.err = tc.err
			rec := f.do(http.MethodPost, "/webhooks/square", `{}`, nil)
			assert.Equal(t, tc.code, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestWebhook_UnknownProviderNeverReachesPipeline(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/webhooks/stripe", `{}`, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, f.recv.got)
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/webhooks/square", strings.Repeat("x", 65), nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, f.recv.got)
}

func TestAdmin_RequiresActiveOperator(t *testing.T) {
	f := newFixture()

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/admin/dlq", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/admin/dlq", "", map[string]string{"X-API-Key": "nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/admin/dlq", "", map[string]string{"X-API-Key": "suspended"}).Code)
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodGet, "/admin/dlq", "", map[string]string{"X-API-Key": "broken"}).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/admin/dlq", "", operator).Code)
}

func TestAdmin_ListDeadLetters(t *testing.T) {
	f := newFixture()
	f.dlq.entries = []model.DeadLetterEntry{{ID: "d1", WebhookEventID: "e1", Provider: "square"}}

	rec := f.do(http.MethodGet, "/admin/dlq?provider=Square", "", operator)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "square", f.dlq.provider)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestAdmin_ReplayErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"ok", nil, http.StatusOK},
		{"missing", fmt.Errorf("%w: d1", pipeline.ErrNotFound), http.StatusNotFound},
		{"resolved", fmt.Errorf("%w: d1", pipeline.ErrAlreadyResolved), http.StatusConflict},
		{"contended", fmt.Errorf("%w: d1", pipeline.ErrReplayInProgress), http.StatusConflict},
		{"failed", fmt.Errorf("%w: boom", pipeline.ErrReplayFailed), http.StatusUnprocessableEntity},
		{"store", errors.New("db"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.replays.err = tc.err
			rec := f.do(http.MethodPost, "/admin/dlq/d1/replay", "", operator)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, "alice", f.replays.operator)
		})
	}
}

func TestAdmin_ResolveTakesNote(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/d1/resolve", bytes.NewBufferString(`{"note":" refunded by hand "}`))
	req.Header.Set("X-API-Key", "good")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "refunded by hand", f.replays.note)
	assert.Equal(t, "alice", f.replays.operator)
}

func TestAdmin_ListEventsFilters(t *testing.T) {
	f := newFixture()
	f.events.ev = &model.WebhookEvent{ID: "e1", Provider: "square", Status: model.EventFailed}

	rec := f.do(http.MethodGet, "/admin/events?provider=square&type=payment.created&status=failed&from=2024-01-01T00:00:00Z&limit=10", "", operator)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "square", f.events.filter.Provider)
	assert.Equal(t, "payment.created", f.events.filter.EventType)
	assert.Equal(t, model.EventFailed, f.events.filter.Status)
	require.NotNil(t, f.events.filter.From)
	assert.True(t, f.events.filter.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, f.events.filter.To)
	assert.Equal(t, 10, f.events.filter.Limit)
}

func TestAdmin_ListEventsRejectsBadFilters(t *testing.T) {
	f := newFixture()

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/admin/events?status=weird", "", operator).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/admin/events?from=yesterday", "", operator).Code)
}

func TestAdmin_GetEventWithActions(t *testing.T) {
	f := newFixture()
	f.events.ev = &model.WebhookEvent{ID: "e1", Provider: "square", Payload: json.RawMessage(`{}`)}

	rec := f.do(http.MethodGet, "/admin/events/e1", "", operator)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["actions"], 1)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/admin/events/missing", "", operator).Code)
}

func TestAdmin_Stats(t *testing.T) {
	f := newFixture()
	f.dlq.entries = []model.DeadLetterEntry{{ID: "d1"}}

	rec := f.do(http.MethodGet, "/admin/stats?days=30", "", operator)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30, f.stats.days)
	out := decode(t, rec)
	assert.EqualValues(t, 1, out["count"])
	assert.Equal(t, map[string]any{"square": float64(1)}, out["dlq_backlog"])
}
