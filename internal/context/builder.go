package context

import (
	stdcontext "context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/momo-confirm/internal/confirmation"
)

// SessionBuilder turns open requests into confirmation sessions.
type SessionBuilder struct {
	policy          PollingPolicy
	defaultCurrency string
}

// NewSessionBuilder creates a SessionBuilder. Zero policy values are left for
// confirmation.NewMachine to default.
func NewSessionBuilder(policy PollingPolicy, defaultCurrency string) *SessionBuilder {
	return &SessionBuilder{policy: policy, defaultCurrency: defaultCurrency}
}

// Build validates req and returns a session with a fresh ID. A missing
// transaction reference is not an error here: the session then fails on
// start with a "nothing to verify" message.
func (b *SessionBuilder) Build(req OpenRequest) (confirmation.Session, error) {
	amount := decimal.Zero
	if s := strings.TrimSpace(req.Amount); s != "" {
		var err error
		amount, err = decimal.NewFromString(s)
		if err != nil {
			return confirmation.Session{}, fmt.Errorf("invalid amount %q: %w", req.Amount, err)
		}
		if amount.IsNegative() {
			return confirmation.Session{}, fmt.Errorf("amount cannot be negative: %s", amount)
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = b.defaultCurrency
	}

	return confirmation.Session{
		ID:             uuid.NewString(),
		TransactionRef: strings.TrimSpace(req.TransactionRef),
		OrderRef:       strings.TrimSpace(req.OrderRef),
		Amount:         amount,
		Currency:       currency,
		PayerPhone:     strings.TrimSpace(req.PayerPhone),
		MaxAttempts:    b.policy.MaxAttempts,
		Interval:       b.policy.Interval,
	}, nil
}

// BuildContexts creates the TraceContext and session for req.
func (b *SessionBuilder) BuildContexts(ctx stdcontext.Context, req OpenRequest) (TraceContext, confirmation.Session, error) {
	traceCtx := NewTraceContext(ctx)
	session, err := b.Build(req)
	if err != nil {
		return traceCtx, confirmation.Session{}, fmt.Errorf("failed to build session: %w", err)
	}
	return traceCtx, session, nil
}
