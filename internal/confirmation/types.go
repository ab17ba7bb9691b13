// Package confirmation holds the payment confirmation state machine.
// A Machine tracks one confirmation session from the moment a push-to-phone
// payment has been initiated until its outcome is known, given up on, or
// abandoned by the payer. The Machine is not safe for concurrent use; it is
// owned by a single scheduler (see package poller).
package confirmation

import (
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/types/known/structpb"
)

// State is the user-visible state of a confirmation session.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further probes happen in this state absent an
// explicit retry.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Outcome is the tri-state result of a single probe.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ProbeResult is the normalized result of one status check. It is produced
// fresh on every probe and never merged with earlier results.
type ProbeResult struct {
	Outcome Outcome
	Message string
	Source  string           // "gateway", "order" or empty when nothing answered
	Raw     *structpb.Struct // opaque decoded payload, nil when unavailable
}

// FailureReason distinguishes the kinds of failed sessions. They share one
// state but carry different guidance for the payer.
type FailureReason string

const (
	FailureNone             FailureReason = ""
	FailureMissingReference FailureReason = "missing_reference"
	FailureGatewayDeclined  FailureReason = "gateway_declined"
	FailureTimeout          FailureReason = "verification_timeout"
)

const (
	DefaultMaxAttempts = 30
	DefaultInterval    = 6 * time.Second
)

// Messages shown to the payer.
const (
	MsgAwaitingStart    = "Preparing payment verification..."
	MsgAwaitingPIN      = "Waiting for you to authorize the payment on your phone. Enter your PIN when prompted."
	MsgStillWaiting     = "Still waiting for the payment to be confirmed..."
	MsgConfirmed        = "Payment confirmed."
	MsgDeclined         = "The payment was not completed."
	MsgTimeout          = "We could not confirm your payment in time. Your payment may still have gone through: check your mobile money statement before paying again."
	MsgMissingReference = "There is no payment to verify: no transaction reference was provided."
	MsgRetrying         = "Retrying payment verification..."
	MsgCancelled        = "Payment verification cancelled."
)

// Session identifies one confirmation attempt. Amount, Currency and
// PayerPhone are display-only.
type Session struct {
	ID             string
	TransactionRef string
	OrderRef       string
	Amount         decimal.Decimal
	Currency       string
	PayerPhone     string
	MaxAttempts    int
	Interval       time.Duration
}

// View is the read-only snapshot of a session exposed to the presentation
// layer.
type View struct {
	SessionID      string        `json:"sessionId"`
	TransactionRef string        `json:"transactionRef,omitempty"`
	OrderRef       string        `json:"orderRef,omitempty"`
	Amount         string        `json:"amount"`
	Currency       string        `json:"currency,omitempty"`
	PayerPhone     string        `json:"payerPhone,omitempty"`
	State          State         `json:"state"`
	Message        string        `json:"message"`
	AttemptCount   int           `json:"attemptCount"`
	MaxAttempts    int           `json:"maxAttempts"`
	Progress       int           `json:"progress"`
	Round          int           `json:"round"`
	Failure        FailureReason `json:"failure,omitempty"`
	CanRetry       bool          `json:"canRetry"`
	CanCancel      bool          `json:"canCancel"`
}

// Delivery names the host callback a transition must trigger.
type Delivery int

const (
	DeliverNone Delivery = iota
	DeliverSuccess
	DeliverFailure
	DeliverCancel
)

func (d Delivery) String() string {
	switch d {
	case DeliverSuccess:
		return "success"
	case DeliverFailure:
		return "failure"
	case DeliverCancel:
		return "cancel"
	default:
		return "none"
	}
}

// Transition records one state change (or a message-only update while
// processing).
type Transition struct {
	From    State
	To      State
	Message string
	Failure FailureReason
	Deliver Delivery
}
