package poller_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/momo-confirm/internal/adapter"
	"github.com/yourorg/momo-confirm/internal/confirmation"
	"github.com/yourorg/momo-confirm/internal/poller"
)

const wait = time.Second

// manualTicker only fires when the test sends on c.
type manualTicker struct {
	c       chan time.Time
	d       time.Duration
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type tickers struct {
	mu   sync.Mutex
	list []*manualTicker
}

func (f *tickers) New(d time.Duration) poller.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk := &manualTicker{c: make(chan time.Time), d: d}
	f.list = append(f.list, tk)
	return tk
}

func (f *tickers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}

func (f *tickers) get(i int) *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list[i]
}

func tick(t *testing.T, tk *manualTicker) {
	t.Helper()
	select {
	case tk.c <- time.Now():
	case <-time.After(wait):
		t.Fatal("tick was not consumed by the engine")
	}
}

func tickRefused(tk *manualTicker) bool {
	select {
	case tk.c <- time.Now():
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

// scriptedProber blocks every probe until the test answers it.
type scriptedProber struct {
	calls     chan adapter.Query
	answers   chan confirmation.ProbeResult
	cancelled atomic.Int32
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		calls:   make(chan adapter.Query, 64),
		answers: make(chan confirmation.ProbeResult),
	}
}

func (p *scriptedProber) Probe(ctx context.Context, q adapter.Query) confirmation.ProbeResult {
	p.calls <- q
	select {
	case r := <-p.answers:
		return r
	case <-ctx.Done():
		p.cancelled.Add(1)
		return confirmation.ProbeResult{Outcome: confirmation.OutcomePending}
	}
}

func (p *scriptedProber) expectCall(t *testing.T) adapter.Query {
	t.Helper()
	select {
	case q := <-p.calls:
		return q
	case <-time.After(wait):
		t.Fatal("expected a probe")
		return adapter.Query{}
	}
}

func (p *scriptedProber) answer(t *testing.T, outcome confirmation.Outcome, msg string) {
	t.Helper()
	select {
	case p.answers <- confirmation.ProbeResult{Outcome: outcome, Message: msg, Source: adapter.SourceGateway}:
	case <-time.After(wait):
		t.Fatal("probe did not take the answer")
	}
}

type recorder struct {
	success chan confirmation.View
	failure chan confirmation.View
	cancel  chan confirmation.View
	events  chan confirmation.Transition
}

func newRecorder() *recorder {
	return &recorder{
		success: make(chan confirmation.View, 8),
		failure: make(chan confirmation.View, 8),
		cancel:  make(chan confirmation.View, 8),
		events:  make(chan confirmation.Transition, 256),
	}
}

func (r *recorder) callbacks() poller.Callbacks {
	return poller.Callbacks{
		OnSuccess: func(v confirmation.View) { r.success <- v },
		OnFailure: func(v confirmation.View) { r.failure <- v },
		OnCancel:  func(v confirmation.View) { r.cancel <- v },
	}
}

func (r *recorder) nextEvent(t *testing.T) confirmation.Transition {
	t.Helper()
	select {
	case tr := <-r.events:
		return tr
	case <-time.After(wait):
		t.Fatal("expected a transition")
		return confirmation.Transition{}
	}
}

func receive(t *testing.T, ch chan confirmation.View, what string) confirmation.View {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatalf("expected %s callback", what)
		return confirmation.View{}
	}
}

func assertNone(t *testing.T, ch chan confirmation.View, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s callback in state %s", what, v.State)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	engine  *poller.Engine
	prober  *scriptedProber
	tickers *tickers
	rec     *recorder
}

func newFixture(t *testing.T, ref string, maxAttempts int, mod func(*poller.Config)) *fixture {
	t.Helper()
	f := &fixture{prober: newScriptedProber(), tickers: &tickers{}, rec: newRecorder()}
	cfg := poller.Config{
		NewTicker: f.tickers.New,
		TraceID:   "trace-test",
		OnTransition: func(tr confirmation.Transition, _ confirmation.View) {
			f.rec.events <- tr
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	session := confirmation.Session{
		ID:             "sess-1",
		TransactionRef: ref,
		OrderRef:       "ord-1",
		Amount:         decimal.NewFromInt(1500),
		Currency:       "TZS",
		PayerPhone:     "255700000001",
		MaxAttempts:    maxAttempts,
		Interval:       time.Second,
	}
	f.engine = poller.NewEngine(session, f.prober, f.rec.callbacks(), cfg)
	t.Cleanup(f.engine.Stop)
	return f
}

// probeOnce ticks, answers the resulting probe and waits for its transition.
func (f *fixture) probeOnce(t *testing.T, tk *manualTicker, outcome confirmation.Outcome, msg string) confirmation.Transition {
	t.Helper()
	tick(t, tk)
	f.prober.expectCall(t)
	f.prober.answer(t, outcome, msg)
	return f.rec.nextEvent(t)
}

func TestNewEngine_PanicsWithoutProber(t *testing.T) {
	assert.Panics(t, func() {
		poller.NewEngine(confirmation.Session{TransactionRef: "ws_1"}, nil, poller.Callbacks{}, poller.Config{})
	})
}

func TestEngine_SuccessAfterPendingProbes(t *testing.T) {
	f := newFixture(t, "ws_CO_1", 30, func(c *poller.Config) { c.SuccessDelay = 10 * time.Millisecond })

	require.NoError(t, f.engine.Start(context.Background()))
	assert.Equal(t, confirmation.StateProcessing, f.engine.View().State)
	require.Equal(t, 1, f.tickers.count())
	tk := f.tickers.get(0)
	assert.Equal(t, time.Second, tk.d)

	states := []confirmation.State{f.rec.nextEvent(t).To}
	for i := 1; i <= 5; i++ {
		tr := f.probeOnce(t, tk, confirmation.OutcomePending, "")
		states = append(states, tr.To)
		v := f.engine.View()
		assert.Equal(t, i, v.AttemptCount)
		assert.Equal(t, confirmation.MsgStillWaiting, v.Message)
	}
	tr := f.probeOnce(t, tk, confirmation.OutcomeSuccess, "")
	states = append(states, tr.To)

	assert.Equal(t, []confirmation.State{
		confirmation.StateProcessing,
		confirmation.StateProcessing, confirmation.StateProcessing, confirmation.StateProcessing,
		confirmation.StateProcessing, confirmation.StateProcessing,
		confirmation.StateSuccess,
	}, states)

	v := receive(t, f.rec.success, "success")
	assert.Equal(t, confirmation.StateSuccess, v.State)
	assert.Equal(t, 6, v.AttemptCount)
	assert.Equal(t, 100, v.Progress)

	assert.True(t, tk.stopped.Load(), "ticker is stopped on success")
	assert.True(t, tickRefused(tk))
	assertNone(t, f.rec.success, "second success")
	assertNone(t, f.rec.failure, "failure")
}

func TestEngine_ProbeCarriesSessionReferences(t *testing.T) {
	f := newFixture(t, "ws_CO_2", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))

	tick(t, f.tickers.get(0))
	q := f.prober.expectCall(t)
	assert.Equal(t, adapter.Query{TransactionRef: "ws_CO_2", OrderRef: "ord-1", TraceID: "trace-test"}, q)
	f.prober.answer(t, confirmation.OutcomePending, "")
}

func TestEngine_GatewayDeclineFailsImmediately(t *testing.T) {
	f := newFixture(t, "ws_CO_3", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))
	f.rec.nextEvent(t)
	tk := f.tickers.get(0)

	tr := f.probeOnce(t, tk, confirmation.OutcomeFailed, "Request cancelled by user")
	assert.Equal(t, confirmation.StateFailed, tr.To)

	v := receive(t, f.rec.failure, "failure")
	assert.Equal(t, confirmation.FailureGatewayDeclined, v.Failure)
	assert.Equal(t, "Request cancelled by user", v.Message)
	assert.Equal(t, 1, v.AttemptCount)
	assert.True(t, v.CanRetry)
	assert.False(t, v.CanCancel)

	assert.True(t, tk.stopped.Load())
	assert.True(t, tickRefused(tk))
	assertNone(t, f.rec.failure, "second failure")
}

func TestEngine_TimeoutAfterAttemptBudget(t *testing.T) {
	f := newFixture(t, "ws_CO_4", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))
	f.rec.nextEvent(t)
	tk := f.tickers.get(0)

	for i := 0; i < 30; i++ {
		tr := f.probeOnce(t, tk, confirmation.OutcomePending, "")
		require.Equal(t, confirmation.StateProcessing, tr.To)
	}
	assert.Equal(t, 30, f.engine.View().AttemptCount)

	tick(t, tk)
	tr := f.rec.nextEvent(t)
	assert.Equal(t, confirmation.StateFailed, tr.To)
	assert.Equal(t, confirmation.FailureTimeout, tr.Failure)
	assert.Empty(t, f.prober.calls, "no probe once the budget is spent")

	v := receive(t, f.rec.failure, "failure")
	assert.Equal(t, confirmation.MsgTimeout, v.Message)
	assert.Equal(t, 30, v.AttemptCount)
	assert.True(t, v.CanRetry)
	assert.True(t, tk.stopped.Load())
}

func TestEngine_CancelDuringInFlightProbe(t *testing.T) {
	f := newFixture(t, "ws_CO_5", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))
	f.rec.nextEvent(t)
	tk := f.tickers.get(0)

	tick(t, tk)
	f.prober.expectCall(t)

	require.NoError(t, f.engine.Cancel())
	v := f.engine.View()
	assert.Equal(t, confirmation.StateCancelled, v.State)
	assert.Equal(t, confirmation.MsgCancelled, v.Message)

	cancelled := receive(t, f.rec.cancel, "cancel")
	assert.Equal(t, confirmation.StateCancelled, cancelled.State)

	assert.Eventually(t, func() bool { return f.prober.cancelled.Load() == 1 }, wait, 5*time.Millisecond,
		"in-flight probe is cancelled")
	assert.True(t, tk.stopped.Load())
	assert.True(t, tickRefused(tk))

	// the cancelled probe's late pending result changes nothing
	assert.Equal(t, confirmation.StateCancelled, f.engine.View().State)
	assert.ErrorIs(t, f.engine.Cancel(), confirmation.ErrInvalidTransition)
	assertNone(t, f.rec.cancel, "second cancel")
	assertNone(t, f.rec.failure, "failure")
	assertNone(t, f.rec.success, "success")
}

// stubbornProber ignores cancellation and returns whatever the test answers.
type stubbornProber struct {
	calls   chan adapter.Query
	answers chan confirmation.ProbeResult
}

func (p *stubbornProber) Probe(_ context.Context, q adapter.Query) confirmation.ProbeResult {
	p.calls <- q
	return <-p.answers
}

func TestEngine_LateSuccessAfterCancelIsDiscarded(t *testing.T) {
	p := &stubbornProber{calls: make(chan adapter.Query, 8), answers: make(chan confirmation.ProbeResult)}
	tks := &tickers{}
	rec := newRecorder()
	session := confirmation.Session{ID: "sess-late", TransactionRef: "ws_CO_late", MaxAttempts: 30, Interval: time.Second}
	engine := poller.NewEngine(session, p, rec.callbacks(), poller.Config{
		NewTicker:    tks.New,
		OnTransition: func(tr confirmation.Transition, _ confirmation.View) { rec.events <- tr },
	})
	t.Cleanup(engine.Stop)
	require.NoError(t, engine.Start(context.Background()))
	rec.nextEvent(t)
	tk := tks.get(0)

	called := func() {
		select {
		case <-p.calls:
		case <-time.After(wait):
			t.Fatal("expected a probe")
		}
	}

	answer := func(outcome confirmation.Outcome) {
		select {
		case p.answers <- confirmation.ProbeResult{Outcome: outcome, Source: adapter.SourceGateway}:
		case <-time.After(wait):
			t.Fatal("prober did not take the answer")
		}
	}

	for i := 0; i < 2; i++ {
		tick(t, tk)
		called()
		answer(confirmation.OutcomePending)
		assert.Equal(t, confirmation.StateProcessing, rec.nextEvent(t).To)
	}

	tick(t, tk)
	called()
	require.NoError(t, engine.Cancel())
	receive(t, rec.cancel, "cancel")

	// attempt 3 ignores the cancellation and reports success
	answer(confirmation.OutcomeSuccess)
	assertNone(t, rec.success, "success")

	v := engine.View()
	assert.Equal(t, confirmation.StateCancelled, v.State)
	assert.Equal(t, 3, v.AttemptCount)
	assert.Equal(t, confirmation.MsgCancelled, v.Message)
}

func TestEngine_MissingReferenceFailsWithoutTimer(t *testing.T) {
	f := newFixture(t, "", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))

	v := f.engine.View()
	assert.Equal(t, confirmation.StateFailed, v.State)
	assert.Equal(t, confirmation.FailureMissingReference, v.Failure)
	assert.Equal(t, confirmation.MsgMissingReference, v.Message)
	assert.False(t, v.CanRetry)
	assert.Equal(t, 0, f.tickers.count(), "no timer for a session with nothing to verify")

	receive(t, f.rec.failure, "failure")
	assert.ErrorIs(t, f.engine.Retry(), confirmation.ErrNothingToVerify)
	assert.Empty(t, f.prober.calls)
}

func TestEngine_RetryStartsFreshRound(t *testing.T) {
	f := newFixture(t, "ws_CO_6", 30, func(c *poller.Config) { c.RetryDelay = 10 * time.Millisecond })
	require.NoError(t, f.engine.Start(context.Background()))
	f.rec.nextEvent(t)
	first := f.tickers.get(0)

	f.probeOnce(t, first, confirmation.OutcomePending, "")
	f.probeOnce(t, first, confirmation.OutcomeFailed, "Insufficient balance")
	receive(t, f.rec.failure, "failure")

	require.NoError(t, f.engine.Retry())
	v := f.engine.View()
	assert.Equal(t, confirmation.StatePending, v.State)
	assert.Equal(t, 0, v.AttemptCount)
	assert.Equal(t, 2, v.Round)
	assert.Equal(t, confirmation.FailureNone, v.Failure)
	assert.Equal(t, confirmation.MsgRetrying, v.Message)

	assert.Eventually(t, func() bool {
		return f.engine.View().State == confirmation.StateProcessing && f.tickers.count() == 2
	}, wait, 5*time.Millisecond)
	assert.True(t, first.stopped.Load())

	// pending (retry) and processing (begin) transitions
	f.rec.nextEvent(t)
	f.rec.nextEvent(t)

	second := f.tickers.get(1)
	tr := f.probeOnce(t, second, confirmation.OutcomeSuccess, "")
	assert.Equal(t, confirmation.StateSuccess, tr.To)
	s := receive(t, f.rec.success, "success")
	assert.Equal(t, 1, s.AttemptCount)
	assert.Equal(t, 2, s.Round)
	assertNone(t, f.rec.failure, "failure in second round")
}

func TestEngine_RetryOnlyFromFailed(t *testing.T) {
	f := newFixture(t, "ws_CO_7", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))
	assert.ErrorIs(t, f.engine.Retry(), confirmation.ErrInvalidTransition)
	assert.Equal(t, confirmation.StateProcessing, f.engine.View().State)
}

func TestEngine_StartIsIdempotent(t *testing.T) {
	f := newFixture(t, "ws_CO_8", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.engine.Start(context.Background()))
	assert.Equal(t, 1, f.tickers.count(), "at most one ticker per engine")
}

func TestEngine_OverlappingTickIsSkipped(t *testing.T) {
	f := newFixture(t, "ws_CO_9", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))
	f.rec.nextEvent(t)
	tk := f.tickers.get(0)
	skipped := testutil.ToFloat64(poller.GetSkippedTicksTotal())

	tick(t, tk)
	f.prober.expectCall(t)
	tick(t, tk)

	assert.Equal(t, 1, f.engine.View().AttemptCount, "a skipped tick spends no attempt")
	assert.Empty(t, f.prober.calls)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(poller.GetSkippedTicksTotal()) == skipped+1
	}, wait, 5*time.Millisecond)

	f.prober.answer(t, confirmation.OutcomePending, "")
	f.rec.nextEvent(t)
	f.probeOnce(t, tk, confirmation.OutcomePending, "")
	assert.Equal(t, 2, f.engine.View().AttemptCount)
}

func TestEngine_LifecycleErrors(t *testing.T) {
	t.Run("Before start", func(t *testing.T) {
		f := newFixture(t, "ws_CO_10", 30, nil)
		assert.ErrorIs(t, f.engine.Retry(), poller.ErrNotStarted)
		assert.ErrorIs(t, f.engine.Cancel(), poller.ErrNotStarted)
		assert.Equal(t, confirmation.StatePending, f.engine.View().State)

		f.engine.Stop()
		assert.ErrorIs(t, f.engine.Start(context.Background()), poller.ErrStopped)
		assert.Equal(t, 0, f.tickers.count())
	})

	t.Run("After stop", func(t *testing.T) {
		f := newFixture(t, "ws_CO_11", 30, nil)
		require.NoError(t, f.engine.Start(context.Background()))
		tk := f.tickers.get(0)

		f.engine.Stop()
		f.engine.Stop()

		select {
		case <-f.engine.Done():
		default:
			t.Fatal("scheduler still running after Stop")
		}
		assert.True(t, tk.stopped.Load())
		assert.ErrorIs(t, f.engine.Cancel(), poller.ErrStopped)
		assert.ErrorIs(t, f.engine.Retry(), poller.ErrStopped)
		assertNone(t, f.rec.cancel, "cancel on teardown")
	})
}

func TestEngine_StopDeliversPendingSuccess(t *testing.T) {
	f := newFixture(t, "ws_CO_12", 30, func(c *poller.Config) { c.SuccessDelay = time.Hour })
	require.NoError(t, f.engine.Start(context.Background()))
	f.rec.nextEvent(t)

	f.probeOnce(t, f.tickers.get(0), confirmation.OutcomeSuccess, "")
	assertNone(t, f.rec.success, "success before display delay")

	f.engine.Stop()
	v := receive(t, f.rec.success, "success")
	assert.Equal(t, confirmation.StateSuccess, v.State)
}

func TestEngine_ContextCancellationTearsDown(t *testing.T) {
	f := newFixture(t, "ws_CO_13", 30, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.engine.Start(ctx))
	tk := f.tickers.get(0)

	tick(t, tk)
	f.prober.expectCall(t)
	cancel()

	select {
	case <-f.engine.Done():
	case <-time.After(wait):
		t.Fatal("engine did not exit on context cancellation")
	}
	assert.True(t, tk.stopped.Load())
	assert.Eventually(t, func() bool { return f.prober.cancelled.Load() == 1 }, wait, 5*time.Millisecond)
}

func TestEngine_TransitionMetrics(t *testing.T) {
	before := testutil.ToFloat64(poller.GetTransitionsTotal().WithLabelValues(string(confirmation.StateCancelled)))

	f := newFixture(t, "ws_CO_14", 30, nil)
	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.engine.Cancel())

	after := testutil.ToFloat64(poller.GetTransitionsTotal().WithLabelValues(string(confirmation.StateCancelled)))
	assert.Equal(t, before+1, after)
}

func TestNewTicker(t *testing.T) {
	tk := poller.NewTicker(5 * time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(wait):
		t.Fatal("real ticker did not fire")
	}
}
