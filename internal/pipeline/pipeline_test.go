package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/provider"
	"github.com/jmehdipour/webhook-gateway/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSig = "valid"

type fakeVerifier struct{ calls atomic.Int32 }

func (f *fakeVerifier) Verify(_ string, _ []byte, sig string, _ signature.Routing) bool {
	f.calls.Add(1)
	return sig == validSig
}

type fakeScheduler struct {
	mu   sync.Mutex
	envs []model.DispatchEnvelope
}

func (f *fakeScheduler) ScheduleDispatch(_ context.Context, env model.DispatchEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

// ledgerHandler upserts one ledger row per transaction, like the real payment handler.
type ledgerHandler struct {
	mu    sync.Mutex
	rows  map[string]int
	calls atomic.Int32
	fail  atomic.Int32 // number of upcoming calls that fail
}

func newLedgerHandler() *ledgerHandler { return &ledgerHandler{rows: map[string]int{}} }

func (h *ledgerHandler) Handle(_ context.Context, ev model.WebhookEvent) error {
	h.calls.Add(1)
	if h.fail.Load() > 0 {
		h.fail.Add(-1)
		return errors.New("ledger unavailable")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows[ev.ExternalEventID] = 1
	return nil
}

func (h *ledgerHandler) Rows() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rows)
}

type fixture struct {
	clock     *clock
	store     *memStore
	registry  *Registry
	pipeline  *Pipeline
	retry     *RetryController
	replayer  *Replayer
	verifier  *fakeVerifier
	scheduler *fakeScheduler
	handler   *ledgerHandler
}

func newFixture(t *testing.T, async bool) *fixture {
	t.Helper()
	c := newClock()
	store := newMemStore(c)
	rec := NewRecorder(store, nil)
	reg := NewRegistry(rec, nil)
	h := newLedgerHandler()
	require.NoError(t, reg.Register("pay", "payment.created", h))
	require.NoError(t, reg.Register("pay", "payment.updated", h))

	dlq := dlqStore{store}
	retry := NewRetryController(store, dlq, rec, 3, nil)
	v := &fakeVerifier{}
	sched := &fakeScheduler{}
	p := New(
		[]config.ProviderConfig{
			{Name: "pay", Kind: provider.KindPayments, Enabled: true},
			{Name: "mail", Kind: provider.KindEmail, Enabled: true},
			{Name: "off", Kind: provider.KindPayments, Enabled: false},
		},
		v, store, reg, retry, rec, sched,
		Options{MaxAttempts: 3, ProcessingLease: 5 * time.Minute, Async: async},
		nil,
	)
	p.Now = c.Now

	r := NewReplayer(p, dlq, 10*time.Minute, nil)
	return &fixture{clock: c, store: store, registry: reg, pipeline: p, retry: retry, replayer: r, verifier: v, scheduler: sched, handler: h}
}

func payBody(id, typ string) []byte {
	return []byte(fmt.Sprintf(`{"event_id":%q,"type":%q,"data":{"object":{}}}`, id, typ))
}

func (f *fixture) deliver(t *testing.T, id, typ string) Receipt {
	t.Helper()
	rc, err := f.pipeline.Receive(context.Background(), Request{Provider: "pay", Body: payBody(id, typ), Signature: validSig})
	require.NoError(t, err)
	return rc
}

func TestReceive_RedeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t, false)

	rc := f.deliver(t, "evt_1", "payment.created")
	require.Len(t, rc.Events, 1)
	assert.Equal(t, OutcomeSucceeded, rc.Events[0].Outcome)
	assert.False(t, rc.Events[0].Duplicate)

	f.clock.Advance(10 * time.Second)
	rc = f.deliver(t, "evt_1", "payment.created")
	assert.True(t, rc.Events[0].Duplicate)
	assert.Equal(t, OutcomeSkipped, rc.Events[0].Outcome)

	for i := 0; i < 5; i++ {
		f.deliver(t, "evt_1", "payment.created")
	}

	assert.Equal(t, 1, f.handler.Rows())
	assert.Equal(t, int32(1), f.handler.calls.Load())
	assert.Equal(t, 1, f.store.CountEvents())
	ev := f.store.EventByExternal("pay", "evt_1")
	require.NotNil(t, ev)
	assert.Equal(t, model.EventSucceeded, ev.Status)
	assert.Equal(t, []string{ActionDispatchStart, ActionDispatchSucceeded}, f.store.Actions(ev.ID))
}

func TestReceive_ConcurrentDuplicatesDispatchOnce(t *testing.T) {
	f := newFixture(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Receive(context.Background(), Request{
				Provider: "pay", Body: payBody("evt_race", "payment.created"), Signature: validSig,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.CountEvents())
	assert.Equal(t, int32(1), f.handler.calls.Load())
	assert.Equal(t, model.EventSucceeded, f.store.EventByExternal("pay", "evt_race").Status)
}

func TestReceive_InvalidSignatureNeverPersists(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.pipeline.Receive(context.Background(), Request{Provider: "pay", Body: payBody("evt_x", "payment.created"), Signature: "forged"})
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, 0, f.store.CountEvents())
	assert.Equal(t, int32(0), f.handler.calls.Load())
}

func TestReceive_RejectsUnknownProviderAndMalformedBody(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.pipeline.Receive(context.Background(), Request{Provider: "nope", Body: payBody("e", "t"), Signature: validSig})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = f.pipeline.Receive(context.Background(), Request{Provider: "off", Body: payBody("e", "t"), Signature: validSig})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = f.pipeline.Receive(context.Background(), Request{Provider: "pay", Body: []byte(`{"type":"x"}`), Signature: validSig})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	assert.Equal(t, int32(1), f.verifier.calls.Load(), "only the known provider reaches verification")
	assert.Equal(t, 0, f.store.CountEvents())
}

func TestReceive_FailsTwiceThenSucceeds(t *testing.T) {
	f := newFixture(t, false)
	f.handler.fail.Store(2)

	rc := f.deliver(t, "evt_2", "payment.updated")
	assert.Equal(t, OutcomeRetryLater, rc.Events[0].Outcome)
	ev := f.store.EventByExternal("pay", "evt_2")
	assert.Equal(t, model.EventFailed, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)

	rc = f.deliver(t, "evt_2", "payment.updated")
	assert.Equal(t, OutcomeRetryLater, rc.Events[0].Outcome)

	rc = f.deliver(t, "evt_2", "payment.updated")
	assert.Equal(t, OutcomeSucceeded, rc.Events[0].Outcome)

	ev = f.store.EventByExternal("pay", "evt_2")
	assert.Equal(t, model.EventSucceeded, ev.Status)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Empty(t, f.store.ListUnresolved(""))
}

func TestReceive_ExhaustedEventIsDeadLettered(t *testing.T) {
	f := newFixture(t, false)
	f.handler.fail.Store(100)

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt < 3 {
			rc := f.deliver(t, "evt_3", "payment.updated")
			assert.Equal(t, OutcomeRetryLater, rc.Events[0].Outcome)
			assert.Empty(t, f.store.ListUnresolved("pay"), "not in DLQ before attempt %d", attempt)
			continue
		}
		rc := f.deliver(t, "evt_3", "payment.updated")
		assert.Equal(t, OutcomeEscalated, rc.Events[0].Outcome)
	}

	ev := f.store.EventByExternal("pay", "evt_3")
	assert.Equal(t, model.EventDeadLettered, ev.Status)
	assert.Equal(t, 3, ev.RetryCount)

	dl := f.store.ListUnresolved("pay")
	require.Len(t, dl, 1)
	assert.Equal(t, ev.ID, dl[0].WebhookEventID)
	assert.Equal(t, 0, dl[0].RetryAttempts)

	rc := f.deliver(t, "evt_3", "payment.updated")
	assert.Equal(t, OutcomeSkipped, rc.Events[0].Outcome, "redelivery of a dead-lettered event is ignored")
	assert.Equal(t, int32(3), f.handler.calls.Load())
	assert.Contains(t, f.store.Actions(ev.ID), ActionEscalated)
}

func TestReplay_ResolvesEntryAndEvent(t *testing.T) {
	f := newFixture(t, false)
	f.handler.fail.Store(3)
	for i := 0; i < 3; i++ {
		f.deliver(t, "evt_3", "payment.updated")
	}
	dl := f.store.ListUnresolved("pay")
	require.Len(t, dl, 1)

	require.NoError(t, f.replayer.Replay(context.Background(), dl[0].ID, "ops@example.com"))

	entry := f.store.DLQGet(dl[0].ID)
	assert.True(t, entry.Resolved)
	assert.Equal(t, 1, entry.RetryAttempts)
	require.NotNil(t, entry.ResolvedBy)
	assert.Equal(t, "ops@example.com", *entry.ResolvedBy)
	assert.False(t, entry.InReview)

	ev := f.store.EventByExternal("pay", "evt_3")
	assert.Equal(t, model.EventSucceeded, ev.Status)
	assert.Equal(t, 1, f.handler.Rows())
	assert.Empty(t, f.store.ListUnresolved(""))

	err := f.replayer.Replay(context.Background(), dl[0].ID, "ops@example.com")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, int32(4), f.handler.calls.Load(), "resolved entry is never re-applied")
	assert.Equal(t, 1, f.store.DLQGet(dl[0].ID).RetryAttempts)
}

func TestReplay_FailureKeepsEntryUnresolved(t *testing.T) {
	f := newFixture(t, false)
	f.handler.fail.Store(100)
	for i := 0; i < 3; i++ {
		f.deliver(t, "evt_4", "payment.updated")
	}
	dl := f.store.ListUnresolved("pay")
	require.Len(t, dl, 1)

	err := f.replayer.Replay(context.Background(), dl[0].ID, "ops")
	assert.ErrorIs(t, err, ErrReplayFailed)

	entry := f.store.DLQGet(dl[0].ID)
	assert.False(t, entry.Resolved)
	assert.False(t, entry.InReview)
	assert.Equal(t, 1, entry.RetryAttempts)
	assert.NotNil(t, entry.LastRetryAt)

	ev := f.store.EventByExternal("pay", "evt_4")
	assert.Equal(t, model.EventDeadLettered, ev.Status)
	assert.Equal(t, 3, ev.RetryCount, "replay does not feed the retry counter")
	assert.Len(t, f.store.ListUnresolved(""), 1)

	err = f.replayer.Replay(context.Background(), dl[0].ID, "ops")
	assert.ErrorIs(t, err, ErrReplayFailed)
	assert.Equal(t, 2, f.store.DLQGet(dl[0].ID).RetryAttempts)
}

func TestReplay_GuardsConcurrentReview(t *testing.T) {
	f := newFixture(t, false)
	f.handler.fail.Store(3)
	for i := 0; i < 3; i++ {
		f.deliver(t, "evt_5", "payment.updated")
	}
	id := f.store.ListUnresolved("")[0].ID
	dlq := dlqStore{f.store}

	ok, err := dlq.BeginReview(context.Background(), id, f.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	err = f.replayer.Replay(context.Background(), id, "ops")
	assert.ErrorIs(t, err, ErrReplayInProgress)
	err = f.replayer.Resolve(context.Background(), id, "ops", "manual")
	assert.ErrorIs(t, err, ErrReplayInProgress)

	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.replayer.Replay(context.Background(), id, "ops"), "stale review is taken over")
	assert.True(t, f.store.DLQGet(id).Resolved)
}

// brokenDLQ fails the final replay write after the event was claimed.
type brokenDLQ struct {
	dlqStore
	err error
}

func (d brokenDLQ) CompleteReplay(context.Context, string, string, string, string) (bool, error) {
	return false, d.err
}

func TestReplay_StoreErrorHandsEntryBack(t *testing.T) {
	f := newFixture(t, false)
	f.handler.fail.Store(3)
	for i := 0; i < 3; i++ {
		f.deliver(t, "evt_6", "payment.updated")
	}
	id := f.store.ListUnresolved("")[0].ID

	r := NewReplayer(f.pipeline, brokenDLQ{dlqStore{f.store}, errors.New("deadlock")}, 10*time.Minute, nil)
	err := r.Replay(context.Background(), id, "ops")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReplayFailed)

	entry := f.store.DLQGet(id)
	assert.False(t, entry.InReview)
	assert.False(t, entry.Resolved)
	ev := f.store.EventByExternal("pay", "evt_6")
	assert.Equal(t, model.EventDeadLettered, ev.Status)

	require.NoError(t, f.replayer.Replay(context.Background(), id, "ops"), "entry is replayable right away")
	assert.True(t, f.store.DLQGet(id).Resolved)
}

func TestReplay_TakenOverEventIsNotOverwritten(t *testing.T) {
	f := newFixture(t, false)
	f.handler.fail.Store(3)
	for i := 0; i < 3; i++ {
		f.deliver(t, "evt_7", "payment.updated")
	}
	id := f.store.ListUnresolved("")[0].ID
	ev := f.store.EventByExternal("pay", "evt_7")
	ctx := context.Background()

	ok, err := f.store.ClaimForReplay(ctx, ev.ID, "01STALE", f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	f.clock.Advance(6 * time.Minute)
	ok, err = f.store.Claim(ctx, ev.ID, "01SWEEP", f.clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	dlq := dlqStore{f.store}
	held, err := dlq.CompleteReplay(ctx, id, ev.ID, "01STALE", "ops")
	require.NoError(t, err)
	assert.False(t, held)
	held, err = dlq.FailReplay(ctx, id, ev.ID, "01STALE", "boom")
	require.NoError(t, err)
	assert.False(t, held)

	entry := f.store.DLQGet(id)
	assert.False(t, entry.Resolved)
	assert.Equal(t, 0, entry.RetryAttempts)
	assert.Equal(t, model.EventProcessing, f.store.EventByExternal("pay", "evt_7").Status)
}

func TestReplay_UnknownEntry(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.replayer.Replay(context.Background(), "missing", "ops"), ErrNotFound)
	assert.ErrorIs(t, f.replayer.Resolve(context.Background(), "missing", "ops", ""), ErrNotFound)
}

func TestResolve_ClosesWithoutReprocessing(t *testing.T) {
	f := newFixture(t, false)
	f.handler.fail.Store(3)
	for i := 0; i < 3; i++ {
		f.deliver(t, "evt_6", "payment.updated")
	}
	id := f.store.ListUnresolved("")[0].ID

	require.NoError(t, f.replayer.Resolve(context.Background(), id, "ops", "refunded by hand"))
	assert.True(t, f.store.DLQGet(id).Resolved)
	assert.Equal(t, model.EventDeadLettered, f.store.EventByExternal("pay", "evt_6").Status)
	assert.Equal(t, int32(3), f.handler.calls.Load())

	assert.ErrorIs(t, f.replayer.Replay(context.Background(), id, "ops"), ErrAlreadyResolved)
	assert.ErrorIs(t, f.replayer.Resolve(context.Background(), id, "ops", ""), ErrAlreadyResolved)
}

func TestReceive_UnrecognizedEventSucceedsAndNeverEscalates(t *testing.T) {
	f := newFixture(t, false)

	for i := 0; i < 5; i++ {
		rc := f.deliver(t, "evt_u", "loyalty.account.created")
		if i == 0 {
			assert.Equal(t, OutcomeSucceeded, rc.Events[0].Outcome)
		} else {
			assert.Equal(t, OutcomeSkipped, rc.Events[0].Outcome)
		}
	}

	ev := f.store.EventByExternal("pay", "evt_u")
	assert.Equal(t, model.EventSucceeded, ev.Status)
	assert.Equal(t, 0, ev.RetryCount)
	assert.Contains(t, f.store.Actions(ev.ID), ActionUnhandled)
	assert.Empty(t, f.store.ListUnresolved(""))
}

func TestReceive_EmailBatchStoresEachEvent(t *testing.T) {
	f := newFixture(t, false)
	body := []byte(`[
		{"email":"a@example.com","event":"open","sg_event_id":"sg1"},
		{"email":"b@example.com","event":"click","sg_event_id":"sg2"}
	]`)

	rc, err := f.pipeline.Receive(context.Background(), Request{Provider: "mail", Body: body, Signature: validSig})
	require.NoError(t, err)
	require.Len(t, rc.Events, 2)
	assert.Equal(t, 2, f.store.CountEvents())

	rc, err = f.pipeline.Receive(context.Background(), Request{Provider: "mail", Body: body, Signature: validSig})
	require.NoError(t, err)
	assert.True(t, rc.Events[0].Duplicate)
	assert.True(t, rc.Events[1].Duplicate)
	assert.Equal(t, 2, f.store.CountEvents())
}

func TestReceive_AsyncSchedulesAfterIngest(t *testing.T) {
	f := newFixture(t, true)

	rc := f.deliver(t, "evt_a", "payment.created")
	assert.Equal(t, OutcomeScheduled, rc.Events[0].Outcome)
	assert.Equal(t, int32(0), f.handler.calls.Load())

	ev := f.store.EventByExternal("pay", "evt_a")
	assert.Equal(t, model.EventPending, ev.Status)
	require.Len(t, f.scheduler.envs, 1)
	assert.Equal(t, ev.ID, f.scheduler.envs[0].EventID)

	out, err := f.pipeline.DispatchByID(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, out)

	out, err = f.pipeline.DispatchByID(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	_, err = f.pipeline.DispatchByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatch_StaleProcessingIsReclaimed(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(t, "evt_s", "payment.created")
	ev := f.store.EventByExternal("pay", "evt_s")

	ok, err := f.store.Claim(context.Background(), ev.ID, "01CRASHED", f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok, "simulated worker crash while processing")

	out, err := f.pipeline.Dispatch(context.Background(), *ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out, "lease not expired yet")

	f.clock.Advance(6 * time.Minute)
	out, err = f.pipeline.Dispatch(context.Background(), *ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, out)
}

// slowHandler blocks its first call until release is closed and then fails it.
// Later calls succeed immediately.
type slowHandler struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newSlowHandler() *slowHandler {
	return &slowHandler{entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *slowHandler) Handle(context.Context, model.WebhookEvent) error {
	if h.calls.Add(1) == 1 {
		close(h.entered)
		<-h.release
		return errors.New("upstream timeout")
	}
	return nil
}

func TestDispatch_OverlappingAttemptCannotUndoTakeover(t *testing.T) {
	f := newFixture(t, true)
	h := newSlowHandler()
	require.NoError(t, f.registry.Register("pay", "payment.captured", h))
	f.deliver(t, "evt_slow", "payment.captured")
	ev := f.store.EventByExternal("pay", "evt_slow")

	first := make(chan Outcome, 1)
	go func() {
		out, err := f.pipeline.DispatchByID(context.Background(), ev.ID)
		assert.NoError(t, err)
		first <- out
	}()
	<-h.entered

	f.clock.Advance(6 * time.Minute)
	out, err := f.pipeline.DispatchByID(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, out, "expired lease is taken over")

	close(h.release)
	assert.Equal(t, OutcomeSkipped, <-first)

	got := f.store.EventByExternal("pay", "evt_slow")
	assert.Equal(t, model.EventSucceeded, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, f.store.ListUnresolved(""))
	assert.NotContains(t, f.store.Actions(ev.ID), ActionRetryScheduled)
}

func TestRetry_OverlappingAttemptAtCeilingIsNotDeadLettered(t *testing.T) {
	f := newFixture(t, true)
	f.deliver(t, "evt_c", "payment.created")
	ev := f.store.EventByExternal("pay", "evt_c")
	ctx := context.Background()

	ok, err := f.store.Claim(ctx, ev.ID, "01OLD", f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	f.clock.Advance(6 * time.Minute)
	out, err := f.pipeline.Dispatch(ctx, *ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, out)

	ev.RetryCount = 2
	decision, err := f.retry.OnFailure(ctx, *ev, "01OLD", errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, LostClaim, decision)

	held, err := f.retry.Escalate(ctx, *ev, "01OLD", "boom")
	require.NoError(t, err)
	assert.False(t, held)

	got := f.store.EventByExternal("pay", "evt_c")
	assert.Equal(t, model.EventSucceeded, got.Status)
	assert.Empty(t, f.store.ListUnresolved(""))
	assert.NotContains(t, f.store.Actions(ev.ID), ActionEscalated)
}

func TestDispatch_RecoversHandlerPanic(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.registry.Register("pay", "payment.panics", HandlerFunc(func(context.Context, model.WebhookEvent) error {
		panic("nil map")
	})))

	rc := f.deliver(t, "evt_p", "payment.panics")
	assert.Equal(t, OutcomeRetryLater, rc.Events[0].Outcome)
	ev := f.store.EventByExternal("pay", "evt_p")
	require.NotNil(t, ev.LastError)
	assert.Contains(t, *ev.LastError, "handler panic")
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	f := newFixture(t, false)
	err := f.registry.Register("PAY", "payment.created", newLedgerHandler())
	assert.ErrorIs(t, err, ErrDuplicateHandler)
	assert.True(t, f.registry.Registered("pay", "payment.created"))
	assert.False(t, f.registry.Registered("pay", "payment.unknown"))
	assert.NotNil(t, f.registry.Lookup("pay", "payment.unknown"))
}

func TestPipeline_ProvidersListsEnabledByName(t *testing.T) {
	f := newFixture(t, false)
	var names []string
	for _, pc := range f.pipeline.Providers() {
		names = append(names, pc.Name)
	}
	assert.Equal(t, []string{"mail", "pay"}, names)
}
