package orderstatus

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yourorg/momo-confirm/internal/adapter"
)

const (
	defaultStatusPath = "/v1/orders/{orderRef}/status"
	defaultTimeout    = 10 * time.Second
)

// Config configures the order-status adapter. StatusPath may contain an
// {orderRef} placeholder.
type Config struct {
	BaseURL    string
	StatusPath string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OrderStatusAdapter queries the storefront order service. It is used as the
// fallback source when the gateway cannot be reached.
type OrderStatusAdapter struct {
	client     *resty.Client
	statusPath string
}

// NewOrderStatusAdapter creates a new OrderStatusAdapter.
func NewOrderStatusAdapter(cfg Config) *OrderStatusAdapter {
	if cfg.BaseURL == "" {
		panic("order service base URL cannot be empty")
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = defaultStatusPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).SetTimeout(cfg.Timeout)

	return &OrderStatusAdapter{client: client, statusPath: cfg.StatusPath}
}

// GetName returns the name of the source.
func (o *OrderStatusAdapter) GetName() string {
	return adapter.SourceOrder
}

// Query asks the order service for the status of q.OrderRef.
func (o *OrderStatusAdapter) Query(ctx context.Context, q adapter.Query) (adapter.StatusReport, error) {
	report := adapter.StatusReport{Source: adapter.SourceOrder}
	if q.OrderRef == "" {
		return report, fmt.Errorf("orderstatus: order reference cannot be empty")
	}

	req := o.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetPathParam("orderRef", q.OrderRef)
	if q.TraceID != "" {
		req.SetHeader("X-Request-ID", q.TraceID)
	}

	start := time.Now()
	resp, err := req.Get(o.statusPath)
	report.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		return report, fmt.Errorf("orderstatus: status query for %s: %w", q.OrderRef, err)
	}

	report.HTTPStatus = resp.StatusCode()
	report.RawResponse = resp.Body()
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return report, fmt.Errorf("orderstatus: %w: HTTP %d: %s", adapter.ErrUnexpectedStatus, resp.StatusCode(), adapter.Snippet(report.RawResponse))
	}

	fields, err := adapter.DecodeObject(report.RawResponse)
	if err != nil {
		return report, fmt.Errorf("orderstatus: %w", err)
	}
	report.Fields = fields
	return report, nil
}
