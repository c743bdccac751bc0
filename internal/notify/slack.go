// Package notify delivers operational alerts to Slack. Delivery is
// best-effort: a down webhook never blocks or fails the request that raised
// the alert.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"keymint/internal/infrastructure"
)

// Notifier posts alert messages to a Slack incoming webhook
type Notifier struct {
	webhookURL string
	client     *retryablehttp.Client
	logger     *slog.Logger
	timeout    time.Duration
}

// NewNotifier creates a Slack notifier. An empty webhook URL yields a no-op
// notifier so callers never branch on configuration.
func NewNotifier(webhookURL string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &Notifier{
		webhookURL: webhookURL,
		client:     client,
		logger:     infrastructure.WithComponent(logger, "notify"),
		timeout:    timeout,
	}
}

// Enabled reports whether a webhook URL is configured
func (n *Notifier) Enabled() bool {
	return n.webhookURL != ""
}

// Alert sends a message asynchronously. The goroutine carries its own
// timeout; the caller's context only contributes cancellation values, not
// its deadline.
func (n *Notifier) Alert(ctx context.Context, severity, title string, fields map[string]string) {
	if !n.Enabled() {
		return
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.send(sendCtx, severity, title, fields); err != nil {
			n.logger.Warn("alert delivery failed",
				slog.String("title", title),
				slog.String("error", err.Error()))
		}
	}()
}

func (n *Notifier) send(ctx context.Context, severity, title string, fields map[string]string) error {
	text := fmt.Sprintf("[%s] %s", severity, title)
	for k, v := range fields {
		text += fmt.Sprintf("\n• %s: %s", k, v)
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert rejected with status %d", resp.StatusCode)
	}
	return nil
}
