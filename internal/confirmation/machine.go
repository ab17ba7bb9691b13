package confirmation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an event is not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("confirmation: invalid transition")
	// ErrNothingToVerify is returned on retry of a session that never had a
	// transaction reference.
	ErrNothingToVerify = errors.New("confirmation: nothing to verify")
	// ErrStaleResult is returned when a probe result arrives after the
	// session left the processing state.
	ErrStaleResult = errors.New("confirmation: stale probe result")
)

// Machine is the authoritative state of one confirmation session.
type Machine struct {
	session   Session
	state     State
	attempts  int
	message   string
	failure   FailureReason
	round     int
	delivered bool
}

// NewMachine creates a Machine in the pending state. Zero budget values fall
// back to the defaults.
func NewMachine(s Session) *Machine {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	return &Machine{
		session: s,
		state:   StatePending,
		message: MsgAwaitingStart,
		round:   1,
	}
}

// Session returns the session the machine was built for, with defaults applied.
func (m *Machine) Session() Session { return m.session }

func (m *Machine) State() State { return m.state }

func (m *Machine) Attempts() int { return m.attempts }

// Begin moves a pending session into processing. A session without a
// transaction reference fails immediately instead.
func (m *Machine) Begin() (Transition, error) {
	if m.state != StatePending {
		return Transition{}, fmt.Errorf("%w: begin from %s", ErrInvalidTransition, m.state)
	}
	if m.session.TransactionRef == "" {
		return m.fail(FailureMissingReference, MsgMissingReference), nil
	}
	return m.move(StateProcessing, MsgAwaitingPIN, DeliverNone), nil
}

// Advance consumes one attempt of the budget ahead of a probe. When the
// budget is already spent the machine fails with a verification timeout and
// ok is false; the caller must not probe.
func (m *Machine) Advance() (attempt int, tr Transition, ok bool, err error) {
	if m.state != StateProcessing {
		return m.attempts, Transition{}, false, fmt.Errorf("%w: advance from %s", ErrInvalidTransition, m.state)
	}
	if m.attempts >= m.session.MaxAttempts {
		return m.attempts, m.fail(FailureTimeout, MsgTimeout), false, nil
	}
	m.attempts++
	return m.attempts, Transition{}, true, nil
}

// Apply folds a probe result into the machine. Results arriving outside the
// processing state are stale and rejected.
func (m *Machine) Apply(res ProbeResult) (Transition, error) {
	if m.state != StateProcessing {
		return Transition{}, ErrStaleResult
	}
	switch res.Outcome {
	case OutcomeSuccess:
		msg := MsgConfirmed
		if res.Message != "" {
			msg = res.Message
		}
		return m.move(StateSuccess, msg, DeliverSuccess), nil
	case OutcomeFailed:
		msg := MsgDeclined
		if res.Message != "" {
			msg = res.Message
		}
		return m.fail(FailureGatewayDeclined, msg), nil
	default:
		msg := MsgStillWaiting
		if res.Message != "" {
			msg = res.Message
		}
		return m.move(StateProcessing, msg, DeliverNone), nil
	}
}

// Retry returns a failed session to pending with a fresh attempt budget and
// re-arms the callback latch for the new round.
func (m *Machine) Retry() (Transition, error) {
	if m.state != StateFailed {
		return Transition{}, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, m.state)
	}
	if m.failure == FailureMissingReference {
		return Transition{}, ErrNothingToVerify
	}
	m.attempts = 0
	m.failure = FailureNone
	m.delivered = false
	m.round++
	return m.move(StatePending, MsgRetrying, DeliverNone), nil
}

// Cancel abandons a pending or processing session.
func (m *Machine) Cancel() (Transition, error) {
	if m.state.Terminal() {
		return Transition{}, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, m.state)
	}
	return m.move(StateCancelled, MsgCancelled, DeliverCancel), nil
}

// View returns a snapshot for rendering.
func (m *Machine) View() View {
	progress := 0
	if m.session.MaxAttempts > 0 {
		progress = m.attempts * 100 / m.session.MaxAttempts
	}
	if m.state == StateSuccess {
		progress = 100
	}
	return View{
		SessionID:      m.session.ID,
		TransactionRef: m.session.TransactionRef,
		OrderRef:       m.session.OrderRef,
		Amount:         m.session.Amount.String(),
		Currency:       m.session.Currency,
		PayerPhone:     m.session.PayerPhone,
		State:          m.state,
		Message:        m.message,
		AttemptCount:   m.attempts,
		MaxAttempts:    m.session.MaxAttempts,
		Progress:       progress,
		Round:          m.round,
		Failure:        m.failure,
		CanRetry:       m.state == StateFailed && m.failure != FailureMissingReference,
		CanCancel:      !m.state.Terminal(),
	}
}

func (m *Machine) fail(reason FailureReason, msg string) Transition {
	m.failure = reason
	tr := m.move(StateFailed, msg, DeliverFailure)
	tr.Failure = reason
	return tr
}

// move applies a state change and latches the callback so each round
// delivers at most once.
func (m *Machine) move(to State, msg string, deliver Delivery) Transition {
	tr := Transition{From: m.state, To: to, Message: msg, Deliver: deliver}
	m.state = to
	m.message = msg
	if deliver != DeliverNone {
		if m.delivered {
			tr.Deliver = DeliverNone
		}
		m.delivered = true
	}
	return tr
}
