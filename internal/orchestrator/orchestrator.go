// Package orchestrator keeps the registry of live confirmation sessions. It
// opens one polling engine per session, routes retry/cancel/close commands
// to it, and fans terminal outcomes out to the outcome log and the host
// webhook.
package orchestrator

import (
	stdcontext "context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/yourorg/momo-confirm/internal/confirmation"
	"github.com/yourorg/momo-confirm/internal/context"
	"github.com/yourorg/momo-confirm/internal/logging"
	"github.com/yourorg/momo-confirm/internal/poller"
	"github.com/yourorg/momo-confirm/internal/reporting"
)

var (
	// ErrSessionNotFound is returned for unknown or closed session IDs.
	ErrSessionNotFound = errors.New("orchestrator: session not found")
	// ErrDuplicateReference is returned when a transaction reference is
	// already being verified by another open session.
	ErrDuplicateReference = errors.New("orchestrator: transaction reference already has an open session")
	// ErrInvalidRequest wraps open requests that cannot become a session.
	ErrInvalidRequest = errors.New("orchestrator: invalid open request")
	// ErrShuttingDown is returned by Open after Shutdown.
	ErrShuttingDown = errors.New("orchestrator: shutting down")
)

// Notifier delivers a terminal view to a host callback URL.
type Notifier interface {
	Notify(ctx stdcontext.Context, url string, v confirmation.View) error
}

// Config wires an Orchestrator. Prober and Builder are required.
type Config struct {
	Prober   poller.Prober
	Builder  *context.SessionBuilder
	Engine   poller.Config // template for every engine; TraceID is set per session
	Recorder *reporting.Recorder
	Notifier Notifier
	// Retention is how long a finished session stays readable. Zero keeps
	// finished sessions until Close.
	Retention time.Duration
	Logger    *zap.SugaredLogger
}

type entry struct {
	engine      *poller.Engine
	ref         string
	callbackURL string
	traceID     string
	finishedAt  time.Time
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	prober    poller.Prober
	builder   *context.SessionBuilder
	engineCfg poller.Config
	recorder  *reporting.Recorder
	notifier  Notifier
	retention time.Duration
	log       *zap.SugaredLogger

	baseCtx stdcontext.Context
	cancel  stdcontext.CancelFunc

	mu       sync.Mutex
	sessions map[string]*entry
	byRef    map[string]string
	closed   bool
}

// NewOrchestrator creates an Orchestrator. It panics when a required
// collaborator is nil.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Prober == nil {
		panic("prober cannot be nil")
	}
	if cfg.Builder == nil {
		panic("session builder cannot be nil")
	}
	log := logging.OrNop(cfg.Logger)
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = log
	}
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	return &Orchestrator{
		prober:    cfg.Prober,
		builder:   cfg.Builder,
		engineCfg: cfg.Engine,
		recorder:  cfg.Recorder,
		notifier:  cfg.Notifier,
		retention: cfg.Retention,
		log:       log,
		baseCtx:   ctx,
		cancel:    cancel,
		sessions:  make(map[string]*entry),
		byRef:     make(map[string]string),
	}
}

// Open creates a session for req and starts verifying it. hooks are called
// alongside the orchestrator's own outcome handling. The returned view is
// the state right after start: processing, or failed when req carries no
// transaction reference.
func (o *Orchestrator) Open(ctx stdcontext.Context, req context.OpenRequest, hooks poller.Callbacks) (confirmation.View, error) {
	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.Open")
	defer span.End()

	o.prune()

	traceCtx, session, err := o.builder.BuildContexts(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return confirmation.View{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	span.SetAttributes(
		attribute.String("session_id", session.ID),
		attribute.String("transaction_ref", session.TransactionRef),
	)

	e := &entry{ref: session.TransactionRef, callbackURL: req.CallbackURL, traceID: traceCtx.TraceID}
	cfg := o.engineCfg
	cfg.TraceID = traceCtx.TraceID
	cfg.OnTransition = o.track(session.ID, e, cfg.OnTransition)
	e.engine = poller.NewEngine(session, o.prober, o.callbacks(session.ID, e, hooks), cfg)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return confirmation.View{}, ErrShuttingDown
	}
	if e.ref != "" {
		if otherID, ok := o.byRef[e.ref]; ok {
			o.mu.Unlock()
			span.SetStatus(codes.Error, ErrDuplicateReference.Error())
			return confirmation.View{}, fmt.Errorf("%w: %s (session %s)", ErrDuplicateReference, e.ref, otherID)
		}
		o.byRef[e.ref] = session.ID
	}
	o.sessions[session.ID] = e
	o.mu.Unlock()

	if err := e.engine.Start(o.baseCtx); err != nil {
		o.remove(session.ID)
		return confirmation.View{}, fmt.Errorf("orchestrator: start session %s: %w", session.ID, err)
	}

	view := e.engine.View()
	o.log.Infow("Orchestrator: session opened",
		"session_id", session.ID, "transaction_ref", session.TransactionRef,
		"trace_id", traceCtx.TraceID, "state", view.State)
	return view, nil
}

// Get returns the current view of session id.
func (o *Orchestrator) Get(id string) (confirmation.View, error) {
	e, err := o.lookup(id)
	if err != nil {
		return confirmation.View{}, err
	}
	return e.engine.View(), nil
}

// Retry starts a new polling round for a failed session.
func (o *Orchestrator) Retry(id string) (confirmation.View, error) {
	e, err := o.lookup(id)
	if err != nil {
		return confirmation.View{}, err
	}
	if err := e.engine.Retry(); err != nil {
		return e.engine.View(), err
	}
	return e.engine.View(), nil
}

// Cancel abandons a pending or processing session.
func (o *Orchestrator) Cancel(id string) (confirmation.View, error) {
	e, err := o.lookup(id)
	if err != nil {
		return confirmation.View{}, err
	}
	if err := e.engine.Cancel(); err != nil {
		return e.engine.View(), err
	}
	return e.engine.View(), nil
}

// Close tears session id down and forgets it. Its transaction reference
// becomes available again.
func (o *Orchestrator) Close(id string) error {
	e := o.remove(id)
	if e == nil {
		return ErrSessionNotFound
	}
	e.engine.Stop()
	o.log.Infow("Orchestrator: session closed", "session_id", id, "transaction_ref", e.ref)
	return nil
}

// Len returns the number of open sessions.
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Shutdown stops every engine. Later Opens fail with ErrShuttingDown.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	entries := make([]*entry, 0, len(o.sessions))
	for id, e := range o.sessions {
		entries = append(entries, e)
		delete(o.sessions, id)
	}
	o.byRef = make(map[string]string)
	o.mu.Unlock()

	for _, e := range entries {
		e.engine.Stop()
	}
	o.cancel()
	o.log.Infow("Orchestrator: shut down", "sessions", len(entries))
}

func (o *Orchestrator) lookup(id string) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

func (o *Orchestrator) remove(id string) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.sessions[id]
	if !ok {
		return nil
	}
	delete(o.sessions, id)
	if e.ref != "" && o.byRef[e.ref] == id {
		delete(o.byRef, e.ref)
	}
	return e
}

// prune drops sessions that finished longer than the retention ago.
func (o *Orchestrator) prune() {
	if o.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-o.retention)

	o.mu.Lock()
	var expired []*entry
	for id, e := range o.sessions {
		if e.finishedAt.IsZero() || e.finishedAt.After(cutoff) {
			continue
		}
		expired = append(expired, e)
		delete(o.sessions, id)
		if e.ref != "" && o.byRef[e.ref] == id {
			delete(o.byRef, e.ref)
		}
	}
	o.mu.Unlock()

	for _, e := range expired {
		e.engine.Stop()
	}
}

// track stamps and clears the finish time of e and releases its reference
// on the engine's scheduler goroutine, in transition order, before any
// callback of that transition runs.
func (o *Orchestrator) track(id string, e *entry, next func(confirmation.Transition, confirmation.View)) func(confirmation.Transition, confirmation.View) {
	return func(tr confirmation.Transition, v confirmation.View) {
		o.mu.Lock()
		switch {
		case tr.To.Terminal():
			e.finishedAt = time.Now()
			// only a retryable failure keeps its reference reserved
			if !v.CanRetry && e.ref != "" && o.byRef[e.ref] == id {
				delete(o.byRef, e.ref)
			}
		case tr.From.Terminal():
			e.finishedAt = time.Time{}
		}
		o.mu.Unlock()
		if next != nil {
			next(tr, v)
		}
	}
}

// callbacks wraps hooks with outcome recording and webhook delivery.
func (o *Orchestrator) callbacks(id string, e *entry, hooks poller.Callbacks) poller.Callbacks {
	wrap := func(hook func(confirmation.View)) func(confirmation.View) {
		return func(v confirmation.View) {
			o.finished(id, e, v)
			if hook != nil {
				hook(v)
			}
		}
	}
	return poller.Callbacks{
		OnSuccess: wrap(hooks.OnSuccess),
		OnFailure: wrap(hooks.OnFailure),
		OnCancel:  wrap(hooks.OnCancel),
	}
}

func (o *Orchestrator) finished(id string, e *entry, v confirmation.View) {
	if o.recorder != nil {
		o.recorder.Record(reporting.EntryFromView(v, time.Now()))
	}
	o.log.Infow("Orchestrator: session finished",
		"session_id", id, "transaction_ref", e.ref, "trace_id", e.traceID,
		"state", v.State, "failure", v.Failure, "attempt", v.AttemptCount)

	if o.notifier == nil || e.callbackURL == "" {
		return
	}
	ctx, cancel := stdcontext.WithTimeout(o.baseCtx, 30*time.Second)
	defer cancel()
	if err := o.notifier.Notify(ctx, e.callbackURL, v); err != nil {
		o.log.Warnw("Orchestrator: webhook delivery failed", "session_id", id, "error", err)
	}
}
