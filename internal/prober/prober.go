// Package prober answers "what happened to this payment" for one probe. It
// queries the gateway first and falls back to the order service, and it
// never fails: every problem on the way is turned into a pending result so a
// transient error cannot end polling early.
package prober

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/yourorg/momo-confirm/internal/adapter"
	"github.com/yourorg/momo-confirm/internal/confirmation"
	"github.com/yourorg/momo-confirm/internal/logging"
	"github.com/yourorg/momo-confirm/internal/processor"
	"github.com/yourorg/momo-confirm/internal/prober/circuitbreaker"
)

// MsgUnableToVerify is the pending message used when no source answered.
const MsgUnableToVerify = "We could not reach the payment service to verify your payment. We will keep trying."

// sourceNone labels probes that no source answered.
const sourceNone = "none"

var (
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_confirm_probes_total",
		Help: "Status probes by answering source and outcome.",
	}, []string{"source", "outcome"})

	probeDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "momo_confirm_probe_duration_seconds",
		Help:    "Duration of status probes, fallback included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})
)

// GetProbesTotal exposes the probe counter for tests and dashboards.
func GetProbesTotal() *prometheus.CounterVec { return probesTotal }

// GetProbeDurationSeconds exposes the probe duration histogram.
func GetProbeDurationSeconds() *prometheus.HistogramVec { return probeDurationSeconds }

// Config wires a Prober. Primary and Normalizer are required.
type Config struct {
	Primary    adapter.StatusSource
	Fallback   adapter.StatusSource // consulted only when the query carries an OrderRef
	Normalizer *processor.Normalizer
	Breaker    *circuitbreaker.CircuitBreaker
	Logger     *zap.SugaredLogger
}

// Prober performs single status probes. It is safe for concurrent use.
type Prober struct {
	primary    adapter.StatusSource
	fallback   adapter.StatusSource
	normalizer *processor.Normalizer
	breaker    *circuitbreaker.CircuitBreaker
	log        *zap.SugaredLogger
}

// NewProber creates a Prober. It panics when a required collaborator is nil.
func NewProber(cfg Config) *Prober {
	if cfg.Primary == nil {
		panic("primary status source cannot be nil")
	}
	if cfg.Normalizer == nil {
		panic("normalizer cannot be nil")
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{})
	}
	return &Prober{
		primary:    cfg.Primary,
		fallback:   cfg.Fallback,
		normalizer: cfg.Normalizer,
		breaker:    cfg.Breaker,
		log:        logging.OrNop(cfg.Logger),
	}
}

// Probe checks the payment identified by q once.
func (p *Prober) Probe(ctx context.Context, q adapter.Query) (res confirmation.ProbeResult) {
	start := time.Now()
	ctx, span := otel.Tracer("prober").Start(ctx, "Prober.Probe")
	span.SetAttributes(
		attribute.String("transaction_ref", q.TransactionRef),
		attribute.String("order_ref", q.OrderRef),
	)

	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("Prober: recovered from panic", "transaction_ref", q.TransactionRef, "panic", r)
			span.SetStatus(codes.Error, fmt.Sprint(r))
			res = unableToVerify()
		}
		source := res.Source
		if source == "" {
			source = sourceNone
		}
		probesTotal.WithLabelValues(source, string(res.Outcome)).Inc()
		probeDurationSeconds.WithLabelValues(source).Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("source", source), attribute.String("outcome", string(res.Outcome)))
		span.End()
	}()

	if r, ok := p.try(ctx, p.primary, q); ok {
		return r
	}
	if p.fallback == nil || q.OrderRef == "" || ctx.Err() != nil {
		return unableToVerify()
	}
	if r, ok := p.try(ctx, p.fallback, q); ok {
		return r
	}
	return unableToVerify()
}

// try queries src unless its circuit is open. ok is false when src did not
// answer.
func (p *Prober) try(ctx context.Context, src adapter.StatusSource, q adapter.Query) (confirmation.ProbeResult, bool) {
	name := src.GetName()
	if !p.breaker.AllowRequest(name) {
		p.log.Debugw("Prober: circuit open, skipping source", "source", name, "transaction_ref", q.TransactionRef)
		return confirmation.ProbeResult{}, false
	}
	res, err := p.normalizer.Process(ctx, src, q)
	if err != nil {
		// a probe abandoned by its caller says nothing about the source
		if ctx.Err() == nil {
			p.breaker.RecordFailure(name)
		}
		p.log.Warnw("Prober: status query did not complete",
			"source", name, "transaction_ref", q.TransactionRef, "order_ref", q.OrderRef,
			"trace_id", q.TraceID, "error", err)
		return confirmation.ProbeResult{}, false
	}
	p.breaker.RecordSuccess(name)
	p.log.Debugw("Prober: status query answered",
		"source", name, "transaction_ref", q.TransactionRef, "outcome", res.Outcome)
	return res, true
}

func unableToVerify() confirmation.ProbeResult {
	return confirmation.ProbeResult{Outcome: confirmation.OutcomePending, Message: MsgUnableToVerify}
}
