// Package poller drives a confirmation.Machine with periodic status probes.
//
// Each Engine owns one session. A single scheduler goroutine owns the
// machine; probes run on helper goroutines and report back over a channel,
// tagged with the epoch they were started in. Results from an older epoch,
// or arriving after the session left processing, are dropped.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/yourorg/momo-confirm/internal/adapter"
	"github.com/yourorg/momo-confirm/internal/confirmation"
	"github.com/yourorg/momo-confirm/internal/logging"
)

var (
	// ErrNotStarted is returned by commands issued before Start.
	ErrNotStarted = errors.New("poller: engine not started")
	// ErrStopped is returned once the engine has been torn down.
	ErrStopped = errors.New("poller: engine stopped")
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_confirm_transitions_total",
		Help: "Confirmation state transitions by target state.",
	}, []string{"to"})

	skippedTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "momo_confirm_skipped_ticks_total",
		Help: "Ticks skipped because the previous probe was still in flight.",
	})
)

// GetTransitionsTotal exposes the transition counter.
func GetTransitionsTotal() *prometheus.CounterVec { return transitionsTotal }

// GetSkippedTicksTotal exposes the skipped tick counter.
func GetSkippedTicksTotal() prometheus.Counter { return skippedTicksTotal }

// Prober performs one status probe. Implementations must not fail; problems
// are reported as a pending result.
type Prober interface {
	Probe(ctx context.Context, q adapter.Query) confirmation.ProbeResult
}

// Callbacks are invoked on their own goroutine, at most once per polling
// round each. Retry opens a new round, so a session may report OnFailure and
// later OnSuccess. Nil callbacks are skipped.
type Callbacks struct {
	OnSuccess func(confirmation.View)
	OnFailure func(confirmation.View)
	OnCancel  func(confirmation.View)
}

// Config tunes an Engine. Zero delays act immediately.
type Config struct {
	SuccessDelay time.Duration // display time before OnSuccess fires
	RetryDelay   time.Duration // pause between Retry and the first tick of the new round
	ProbeTimeout time.Duration // upper bound of one probe, zero for none
	NewTicker    TickerFunc
	TraceID      string
	Logger       *zap.SugaredLogger
	// OnTransition is called synchronously by the scheduler after every
	// transition, including message-only updates while processing. It must
	// not block or call back into the Engine.
	OnTransition func(confirmation.Transition, confirmation.View)
}

type commandKind int

const (
	cmdRetry commandKind = iota
	cmdCancel
)

type command struct {
	kind  commandKind
	reply chan error
}

type probeResult struct {
	epoch uint64
	res   confirmation.ProbeResult
}

// Engine polls the status of one confirmation session.
type Engine struct {
	machine  *confirmation.Machine
	prober   Prober
	callback Callbacks
	cfg      Config
	log      *zap.SugaredLogger

	viewMu sync.RWMutex
	view   confirmation.View

	startMu sync.Mutex
	started bool

	cmds     chan command
	results  chan probeResult
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// NewEngine creates an Engine for session. It panics when prober is nil.
func NewEngine(session confirmation.Session, prober Prober, callbacks Callbacks, cfg Config) *Engine {
	if prober == nil {
		panic("prober cannot be nil")
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = NewTicker
	}
	m := confirmation.NewMachine(session)
	log := logging.OrNop(cfg.Logger).With(
		"session_id", session.ID,
		"transaction_ref", session.TransactionRef,
		"trace_id", cfg.TraceID,
	)
	return &Engine{
		machine:  m,
		prober:   prober,
		callback: callbacks,
		cfg:      cfg,
		log:      log,
		view:     m.View(),
		cmds:     make(chan command),
		results:  make(chan probeResult),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// View returns the latest snapshot of the session.
func (e *Engine) View() confirmation.View {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.view
}

// Start begins verification. A session without a transaction reference fails
// before any timer exists. Starting a running engine is a no-op; starting a
// stopped one returns ErrStopped. Cancelling ctx tears the engine down.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return nil
	}
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	e.started = true

	s := &scheduler{Engine: e}
	tr, err := e.machine.Begin()
	if err != nil {
		return fmt.Errorf("poller: start: %w", err)
	}
	s.handle(tr)
	if e.machine.State() == confirmation.StateProcessing {
		s.startTicker()
	}
	go s.run(ctx)
	return nil
}

// Stop tears the engine down: the ticker is stopped, an in-flight probe is
// cancelled and no further callbacks fire, except a success whose display
// delay is still running, which is delivered at once. Stop is idempotent and
// waits for the scheduler to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })

	e.startMu.Lock()
	started := e.started
	e.startMu.Unlock()
	if started {
		<-e.exited
	}
}

// Done is closed once the scheduler has exited.
func (e *Engine) Done() <-chan struct{} { return e.exited }

// Retry starts a new polling round for a failed session.
func (e *Engine) Retry() error { return e.send(cmdRetry) }

// Cancel abandons a pending or processing session.
func (e *Engine) Cancel() error { return e.send(cmdCancel) }

func (e *Engine) send(kind commandKind) error {
	e.startMu.Lock()
	started := e.started
	e.startMu.Unlock()
	if !started {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	select {
	case e.cmds <- command{kind: kind, reply: reply}:
		return <-reply
	case <-e.exited:
		return ErrStopped
	}
}

func (e *Engine) publish() {
	v := e.machine.View()
	e.viewMu.Lock()
	e.view = v
	e.viewMu.Unlock()
}

// scheduler is the state owned by the run goroutine.
type scheduler struct {
	*Engine

	ticker Ticker
	tickC  <-chan time.Time

	epoch       uint64
	inflight    bool
	cancelProbe context.CancelFunc

	successTimer *time.Timer
	successView  *confirmation.View
	retryTimer   *time.Timer
}

func (s *scheduler) run(ctx context.Context) {
	defer close(s.exited)
	defer s.teardown()

	for {
		var successC, retryC <-chan time.Time
		if s.successTimer != nil {
			successC = s.successTimer.C
		}
		if s.retryTimer != nil {
			retryC = s.retryTimer.C
		}

		select {
		case <-ctx.Done():
			s.log.Debugw("Engine: context done, tearing down")
			return
		case <-s.done:
			return
		case <-s.tickC:
			s.tick(ctx)
		case r := <-s.results:
			s.result(r)
		case <-successC:
			s.successTimer = nil
			s.flushSuccess()
		case <-retryC:
			s.retryTimer = nil
			s.begin()
		case c := <-s.cmds:
			c.reply <- s.command(c.kind)
		}
	}
}

func (s *scheduler) tick(ctx context.Context) {
	if s.inflight {
		skippedTicksTotal.Inc()
		s.log.Debugw("Engine: probe still in flight, skipping tick")
		return
	}
	attempt, tr, ok, err := s.machine.Advance()
	if err != nil {
		s.stopTicker()
		return
	}
	if !ok {
		s.log.Infow("Engine: attempt budget exhausted", "attempt", attempt)
		s.handle(tr)
		return
	}
	s.publish()

	s.epoch++
	var (
		probeCtx context.Context
		cancel   context.CancelFunc
	)
	if s.cfg.ProbeTimeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	} else {
		probeCtx, cancel = context.WithCancel(ctx)
	}
	s.cancelProbe = cancel
	s.inflight = true

	sess := s.machine.Session()
	q := adapter.Query{TransactionRef: sess.TransactionRef, OrderRef: sess.OrderRef, TraceID: s.cfg.TraceID}
	go s.probe(probeCtx, s.epoch, attempt, q)
}

func (s *scheduler) probe(ctx context.Context, epoch uint64, attempt int, q adapter.Query) {
	ctx, span := otel.Tracer("poller").Start(ctx, "Engine.probe")
	span.SetAttributes(attribute.Int("attempt", attempt), attribute.String("transaction_ref", q.TransactionRef))
	res := s.prober.Probe(ctx, q)
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	span.End()

	select {
	case s.results <- probeResult{epoch: epoch, res: res}:
	case <-s.exited:
	}
}

func (s *scheduler) result(r probeResult) {
	if r.epoch != s.epoch || !s.inflight {
		s.log.Debugw("Engine: discarding result of superseded probe", "epoch", r.epoch)
		return
	}
	s.endProbe()

	tr, err := s.machine.Apply(r.res)
	if err != nil {
		s.log.Debugw("Engine: discarding stale probe result", "state", s.machine.State())
		return
	}
	s.log.Debugw("Engine: probe answered",
		"attempt", s.machine.Attempts(), "outcome", r.res.Outcome, "source", r.res.Source)
	s.handle(tr)
}

func (s *scheduler) command(kind commandKind) error {
	switch kind {
	case cmdRetry:
		tr, err := s.machine.Retry()
		if err != nil {
			return err
		}
		s.log.Infow("Engine: retry requested", "round", s.machine.View().Round)
		s.handle(tr)
		if s.cfg.RetryDelay > 0 {
			s.retryTimer = time.NewTimer(s.cfg.RetryDelay)
		} else {
			s.begin()
		}
		return nil
	case cmdCancel:
		tr, err := s.machine.Cancel()
		if err != nil {
			return err
		}
		s.stopRetryTimer()
		s.log.Infow("Engine: cancelled by payer", "attempt", s.machine.Attempts())
		s.handle(tr)
		return nil
	default:
		return fmt.Errorf("poller: unknown command %d", kind)
	}
}

func (s *scheduler) begin() {
	tr, err := s.machine.Begin()
	if err != nil {
		s.log.Warnw("Engine: could not begin polling round", "error", err)
		return
	}
	s.handle(tr)
	if s.machine.State() == confirmation.StateProcessing {
		s.startTicker()
	}
}

// handle publishes tr, stops polling when it is terminal and dispatches the
// callback it carries.
func (s *scheduler) handle(tr confirmation.Transition) {
	s.publish()
	view := s.View()
	if tr.From != tr.To {
		transitionsTotal.WithLabelValues(string(tr.To)).Inc()
		s.log.Infow("Engine: state changed", "from", tr.From, "to", tr.To, "attempt", view.AttemptCount, "failure", tr.Failure)
	}
	if tr.To.Terminal() {
		s.stopTicker()
		s.endProbe()
	}
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(tr, view)
	}

	switch tr.Deliver {
	case confirmation.DeliverSuccess:
		if s.cfg.SuccessDelay > 0 {
			s.successView = &view
			s.successTimer = time.NewTimer(s.cfg.SuccessDelay)
			return
		}
		s.deliver(s.callback.OnSuccess, view)
	case confirmation.DeliverFailure:
		s.deliver(s.callback.OnFailure, view)
	case confirmation.DeliverCancel:
		s.deliver(s.callback.OnCancel, view)
	}
}

func (s *scheduler) deliver(cb func(confirmation.View), v confirmation.View) {
	if cb != nil {
		go cb(v)
	}
}

func (s *scheduler) flushSuccess() {
	if s.successView == nil {
		return
	}
	v := *s.successView
	s.successView = nil
	s.deliver(s.callback.OnSuccess, v)
}

func (s *scheduler) startTicker() {
	s.stopTicker()
	s.ticker = s.cfg.NewTicker(s.machine.Session().Interval)
	s.tickC = s.ticker.C()
}

func (s *scheduler) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
		s.tickC = nil
	}
}

// endProbe cancels the in-flight probe, if any, and moves to a new epoch so
// its result is ignored.
func (s *scheduler) endProbe() {
	if s.cancelProbe != nil {
		s.cancelProbe()
		s.cancelProbe = nil
	}
	if s.inflight {
		s.inflight = false
		s.epoch++
	}
}

func (s *scheduler) stopRetryTimer() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *scheduler) teardown() {
	s.stopTicker()
	s.endProbe()
	s.stopRetryTimer()
	if s.successTimer != nil {
		s.successTimer.Stop()
		s.successTimer = nil
	}
	s.flushSuccess()
}
