// Package adapter defines the interface for payment status sources and
// contains implementations for the mobile-money gateway and the order
// service. Adapters only handle transport: they issue the status query and
// hand back the decoded body. Interpreting the body is left to the processor
// package so every response shape is translated in one place.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Source names used in StatusReport.Source and in metrics labels.
const (
	SourceGateway = "gateway"
	SourceOrder   = "order"
)

// ErrUnexpectedStatus is wrapped by adapters when the remote answered with a
// non-2xx HTTP status. The probe is then treated as not completed.
var ErrUnexpectedStatus = errors.New("adapter: unexpected HTTP status")

// Query carries the identifiers for one status check.
type Query struct {
	TransactionRef string
	OrderRef       string
	TraceID        string // forwarded as X-Request-ID
}

// StatusReport holds the raw outcome of one completed status query.
type StatusReport struct {
	Source      string                 // SourceGateway or SourceOrder
	HTTPStatus  int                    // HTTP status code of the response
	LatencyMs   int64                  // round trip of the query
	Fields      map[string]interface{} // decoded JSON object, numbers as json.Number
	RawResponse []byte                 // body as received
}

// StatusSource is implemented by each remote that can answer "what happened
// to this payment".
type StatusSource interface {
	// Query issues one status request. An error means the query did not
	// complete (transport failure, non-2xx status, undecodable body); it never
	// means the payment failed.
	Query(ctx context.Context, q Query) (StatusReport, error)

	// GetName returns the source name (e.g. "gateway").
	GetName() string
}

// DecodeObject decodes a JSON object body, keeping numbers as json.Number so
// a result code of 0 and "0" read the same.
func DecodeObject(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("adapter: decode response body: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("adapter: response body is not a JSON object")
	}
	return fields, nil
}

// Snippet shortens a response body for error messages and logs.
func Snippet(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
