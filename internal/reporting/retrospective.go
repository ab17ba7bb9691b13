// Package reporting keeps a bounded, in-memory log of terminal confirmation
// outcomes and summarizes it. Nothing here is persisted.
package reporting

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/momo-confirm/internal/confirmation"
)

// DefaultCapacity bounds a Recorder created with a non-positive capacity.
const DefaultCapacity = 1000

// LogEntry records one terminal outcome of one polling round.
type LogEntry struct {
	Timestamp      time.Time
	SessionID      string
	TransactionRef string
	State          confirmation.State // success, failed or cancelled
	Failure        confirmation.FailureReason
	Attempts       int
	Round          int
	Amount         decimal.Decimal
	Currency       string
}

// EntryFromView builds a LogEntry from a terminal view.
func EntryFromView(v confirmation.View, at time.Time) LogEntry {
	amount, err := decimal.NewFromString(v.Amount)
	if err != nil {
		amount = decimal.Zero
	}
	return LogEntry{
		Timestamp:      at,
		SessionID:      v.SessionID,
		TransactionRef: v.TransactionRef,
		State:          v.State,
		Failure:        v.Failure,
		Attempts:       v.AttemptCount,
		Round:          v.Round,
		Amount:         amount,
		Currency:       v.Currency,
	}
}

// Recorder is a fixed-size ring of LogEntry values. It is safe for concurrent
// use; once full, the oldest entry is overwritten.
type Recorder struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewRecorder creates a Recorder holding at most capacity entries.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{entries: make([]LogEntry, capacity)}
}

// Record appends e.
func (r *Recorder) Record(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Entries returns the recorded entries, oldest first.
func (r *Recorder) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]LogEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]LogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

// RetrospectiveReport summarizes confirmation outcomes.
type RetrospectiveReport struct {
	TotalOutcomes            int                        `json:"totalOutcomes"`
	Confirmed                int                        `json:"confirmed"`
	Failed                   int                        `json:"failed"`
	Cancelled                int                        `json:"cancelled"`
	RetriedRounds            int                        `json:"retriedRounds"` // outcomes reached after at least one retry
	FailureBreakdown         map[string]int             `json:"failureBreakdown"`
	AverageAttemptsToConfirm float64                    `json:"averageAttemptsToConfirm"`
	AmountByCurrency         map[string]decimal.Decimal `json:"amountByCurrency"` // confirmed amounts only
	DateFrom                 time.Time                  `json:"dateFrom"`
	DateTo                   time.Time                  `json:"dateTo"`
	CoveredDuration          time.Duration              `json:"coveredDuration"`
}

// RetrospectiveReporter generates retrospective reports from log entries.
type RetrospectiveReporter struct{}

// NewRetrospectiveReporter creates a new RetrospectiveReporter.
func NewRetrospectiveReporter() *RetrospectiveReporter {
	return &RetrospectiveReporter{}
}

// GenerateRetrospective analyzes logs and produces a RetrospectiveReport.
func (rr *RetrospectiveReporter) GenerateRetrospective(logs []LogEntry) (*RetrospectiveReport, error) {
	report := &RetrospectiveReport{
		FailureBreakdown: make(map[string]int),
		AmountByCurrency: make(map[string]decimal.Decimal),
	}
	if len(logs) == 0 {
		return report, nil
	}

	report.DateFrom = logs[0].Timestamp
	report.DateTo = logs[0].Timestamp
	attemptsToConfirm := 0

	for _, log := range logs {
		report.TotalOutcomes++
		if log.Timestamp.Before(report.DateFrom) {
			report.DateFrom = log.Timestamp
		}
		if log.Timestamp.After(report.DateTo) {
			report.DateTo = log.Timestamp
		}
		if log.Round > 1 {
			report.RetriedRounds++
		}

		switch log.State {
		case confirmation.StateSuccess:
			report.Confirmed++
			attemptsToConfirm += log.Attempts
			report.AmountByCurrency[log.Currency] = report.AmountByCurrency[log.Currency].Add(log.Amount)
		case confirmation.StateFailed:
			report.Failed++
			if log.Failure != confirmation.FailureNone {
				report.FailureBreakdown[string(log.Failure)]++
			}
		case confirmation.StateCancelled:
			report.Cancelled++
		}
	}

	if report.Confirmed > 0 {
		report.AverageAttemptsToConfirm = float64(attemptsToConfirm) / float64(report.Confirmed)
	}
	report.CoveredDuration = report.DateTo.Sub(report.DateFrom)
	return report, nil
}
