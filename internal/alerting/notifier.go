package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers a payload to one destination of a channel type.
type Sender interface {
	Send(ctx context.Context, destination string, payload NotificationPayload) error
}

// WebhookSender POSTs the payload as JSON to a webhook URL.
type WebhookSender struct {
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
}

// NewWebhookSender builds a webhook sender with a per-request timeout.
func NewWebhookSender(timeout time.Duration, userAgent string, logger zerolog.Logger) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookSender{
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Send posts the payload; any non-2xx response is a failure.
func (w *WebhookSender) Send(ctx context.Context, url string, payload NotificationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.userAgent != "" {
		req.Header.Set("User-Agent", w.userAgent)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	w.logger.Debug().Str("alert_id", payload.Alert.ID).
		Int("status", resp.StatusCode).
		Int("triggers", len(payload.TriggeredConditions)).
		Msg("webhook delivered")
	return nil
}

var _ Sender = (*WebhookSender)(nil)
