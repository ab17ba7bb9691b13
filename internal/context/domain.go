package context

import "time"

// PollingPolicy is the attempt budget applied to new sessions.
type PollingPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// OpenRequest is what the host sends to open a confirmation session once a
// push-to-phone payment has been initiated.
type OpenRequest struct {
	TransactionRef string `json:"transactionRef"`
	OrderRef       string `json:"orderRef,omitempty"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency,omitempty"`
	PayerPhone     string `json:"payerPhone,omitempty"`
	CallbackURL    string `json:"callbackUrl,omitempty"` // terminal outcomes are POSTed here when set
}
