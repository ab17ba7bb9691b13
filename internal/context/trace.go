package context

import (
	stdcontext "context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext carries only cross-cutting concerns needed for observability.
type TraceContext struct {
	TraceID string            // Globally unique ID for logs, spans and X-Request-ID
	SpanID  string            // Current span identifier
	Baggage map[string]string // Optional key-value flags (e.g., correlation data)

	stdCtx stdcontext.Context
}

// NewTraceContext creates a TraceContext bound to ctx. When ctx already
// carries an OpenTelemetry span, its trace ID is reused so logs and spans
// line up; otherwise a fresh ID is generated.
func NewTraceContext(ctx stdcontext.Context) TraceContext {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	traceID := uuid.NewString()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	return TraceContext{
		TraceID: traceID,
		SpanID:  uuid.NewString(),
		Baggage: make(map[string]string),
		stdCtx:  ctx,
	}
}

// Context returns the standard context the TraceContext was built from.
func (tc TraceContext) Context() stdcontext.Context {
	if tc.stdCtx == nil {
		return stdcontext.Background()
	}
	return tc.stdCtx
}

// NewSpan generates a new SpanID for a child operation within the same trace.
func (tc *TraceContext) NewSpan() string {
	tc.SpanID = uuid.NewString()
	return tc.SpanID
}
