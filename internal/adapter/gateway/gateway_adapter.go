package gateway

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
	defaultStatusPath    = "/v1/payments/status"
	defaultTimeout       = 10 * time.Second
	defaultRetryAttempts = 1
	defaultRetryDelay    = 300 * time.Millisecond
)

// Config configures the gateway adapter.
type Config struct {
	BaseURL    string
	StatusPath string
	APIKey     string
	Timeout    time.Duration
	// RetryAttempts is the number of extra tries on 429/5xx or transport
	// errors within a single probe. Negative disables retries.
	RetryAttempts int
	RetryDelay    time.Duration
	HTTPClient    *http.Client // optional, e.g. an instrumented client
}

// GatewayAdapter queries the mobile-money gateway's transaction-status
// endpoint.
type GatewayAdapter struct {
	client     *resty.Client
	statusPath string
	apiKey     string
}

// statusRequest is the body sent to the gateway.
type statusRequest struct {
	TransactionRef string `json:"transactionRef"`
}

// NewGatewayAdapter creates a new GatewayAdapter.
func NewGatewayAdapter(cfg Config) *GatewayAdapter {
	if cfg.BaseURL == "" {
		panic("gateway base URL cannot be empty")
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = defaultStatusPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	retries := cfg.RetryAttempts
	if retries == 0 {
		retries = defaultRetryAttempts
	}
	if retries < 0 {
		retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(cfg.RetryDelay).
		SetRetryMaxWaitTime(cfg.RetryDelay).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	return &GatewayAdapter{
		client:     client,
		statusPath: cfg.StatusPath,
		apiKey:     cfg.APIKey,
	}
}

// GetName returns the name of the source.
func (g *GatewayAdapter) GetName() string {
	return adapter.SourceGateway
}

// Query asks the gateway for the status of q.TransactionRef.
func (g *GatewayAdapter) Query(ctx context.Context, q adapter.Query) (adapter.StatusReport, error) {
	report := adapter.StatusReport{Source: adapter.SourceGateway}
	if q.TransactionRef == "" {
		return report, fmt.Errorf("gateway: transaction reference cannot be empty")
	}

	req := g.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetBody(statusRequest{TransactionRef: q.TransactionRef})
	if g.apiKey != "" {
		req.SetAuthToken(g.apiKey)
	}
	if q.TraceID != "" {
		req.SetHeader("X-Request-ID", q.TraceID)
	}

	start := time.Now()
	resp, err := req.Post(g.statusPath)
	report.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		return report, fmt.Errorf("gateway: status query for %s: %w", q.TransactionRef, err)
	}

	report.HTTPStatus = resp.StatusCode()
	report.RawResponse = resp.Body()
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return report, fmt.Errorf("gateway: %w: HTTP %d: %s", adapter.ErrUnexpectedStatus, resp.StatusCode(), adapter.Snippet(report.RawResponse))
	}

	fields, err := adapter.DecodeObject(report.RawResponse)
	if err != nil {
		return report, fmt.Errorf("gateway: %w", err)
	}
	report.Fields = fields
	return report, nil
}
