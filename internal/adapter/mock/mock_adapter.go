package mock

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/momo-confirm/internal/adapter"
)

// MockSource is a mock implementation of the StatusSource interface for
// tests and local simulation.
type MockSource struct {
	Name      string
	QueryFunc func(ctx context.Context, q adapter.Query) (adapter.StatusReport, error)

	calls atomic.Int64
	mu    sync.Mutex
	seen  []adapter.Query
}

// NewMockSource creates a new MockSource.
func NewMockSource(name string) *MockSource {
	return &MockSource{Name: name}
}

// Query implements the StatusSource interface.
// It calls QueryFunc if defined, otherwise returns a report without a result
// code, which reads as "still pending".
func (m *MockSource) Query(ctx context.Context, q adapter.Query) (adapter.StatusReport, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.seen = append(m.seen, q)
	m.mu.Unlock()

	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, q)
	}
	return Report(m.Name, map[string]interface{}{
		"RequestID":  uuid.NewString(),
		"ResultDesc": "The transaction is being processed",
	}), nil
}

// GetName implements the StatusSource interface.
func (m *MockSource) GetName() string {
	return m.Name
}

// Calls returns how many queries were issued.
func (m *MockSource) Calls() int {
	return int(m.calls.Load())
}

// Queries returns a copy of the queries seen so far.
func (m *MockSource) Queries() []adapter.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adapter.Query, len(m.seen))
	copy(out, m.seen)
	return out
}

// Report builds a successful StatusReport from fields, as an HTTP adapter
// would after decoding a 200 response.
func Report(source string, fields map[string]interface{}) adapter.StatusReport {
	raw, _ := json.Marshal(fields)
	decoded, err := adapter.DecodeObject(raw)
	if err != nil {
		decoded = fields
	}
	return adapter.StatusReport{
		Source:      source,
		HTTPStatus:  200,
		Fields:      decoded,
		RawResponse: raw,
	}
}

// Simulated returns a QueryFunc that reports pending for the first `pending`
// queries of every transaction reference and then settles with resultCode.
// Latency is slept before each answer, honouring ctx.
func Simulated(source string, pending int, resultCode, desc string, latency time.Duration) func(ctx context.Context, q adapter.Query) (adapter.StatusReport, error) {
	var mu sync.Mutex
	counts := make(map[string]int)
	return func(ctx context.Context, q adapter.Query) (adapter.StatusReport, error) {
		if latency > 0 {
			t := time.NewTimer(latency)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return adapter.StatusReport{Source: source}, ctx.Err()
			case <-t.C:
			}
		}

		mu.Lock()
		counts[q.TransactionRef]++
		n := counts[q.TransactionRef]
		mu.Unlock()

		if n <= pending {
			return Report(source, map[string]interface{}{
				"ResultDesc": "The transaction is being processed",
			}), nil
		}
		return Report(source, map[string]interface{}{
			"ResultCode": resultCode,
			"ResultDesc": desc,
		}), nil
	}
}
