// Package notifier delivers terminal confirmation outcomes to a host
// webhook.
package notifier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/yourorg/momo-confirm/internal/adapter"
	"github.com/yourorg/momo-confirm/internal/confirmation"
	"github.com/yourorg/momo-confirm/internal/logging"
)

// Event names sent in the webhook body.
const (
	EventConfirmed = "payment.confirmed"
	EventFailed    = "payment.failed"
	EventCancelled = "payment.cancelled"
)

// EventFor maps a terminal state to its event name.
func EventFor(s confirmation.State) (string, bool) {
	switch s {
	case confirmation.StateSuccess:
		return EventConfirmed, true
	case confirmation.StateFailed:
		return EventFailed, true
	case confirmation.StateCancelled:
		return EventCancelled, true
	default:
		return "", false
	}
}

// Payload is the webhook body.
type Payload struct {
	Event string            `json:"event"`
	View  confirmation.View `json:"view"`
}

// Config configures the notifier.
type Config struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        *zap.SugaredLogger
}

// WebhookNotifier POSTs outcomes to host-supplied URLs.
type WebhookNotifier struct {
	client *resty.Client
	log    *zap.SugaredLogger
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(cfg Config) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryAttempts).
		SetRetryWaitTime(cfg.RetryDelay).
		SetRetryMaxWaitTime(cfg.RetryDelay).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r == nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &WebhookNotifier{client: client, log: logging.OrNop(cfg.Logger)}
}

// Notify sends the terminal view v to url. Non-terminal views are rejected.
func (n *WebhookNotifier) Notify(ctx context.Context, url string, v confirmation.View) error {
	event, ok := EventFor(v.State)
	if !ok {
		return fmt.Errorf("notifier: state %s is not terminal", v.State)
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Confirmation-Event", event).
		SetBody(Payload{Event: event, View: v}).
		Post(url)
	if err != nil {
		return fmt.Errorf("notifier: deliver %s for session %s: %w", event, v.SessionID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("notifier: deliver %s for session %s: HTTP %d: %s",
			event, v.SessionID, resp.StatusCode(), adapter.Snippet(resp.Body()))
	}
	n.log.Infow("Notifier: webhook delivered", "event", event, "session_id", v.SessionID, "status", resp.StatusCode())
	return nil
}
