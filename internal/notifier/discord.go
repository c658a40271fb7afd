package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/message"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 10 * time.Second

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// RequesterNotifier delivers notifications to requesters.
type RequesterNotifier interface {
	Notify(ctx context.Context, requesterID string, n message.Notification) error
}

// AlertingNotifier forwards every notification to a requester and reports
// download errors to an operator channel in the background.
type AlertingNotifier struct {
	next   RequesterNotifier
	alerts Notifier
}

func WithAlerts(next RequesterNotifier, alerts Notifier) *AlertingNotifier {
	return &AlertingNotifier{next: next, alerts: alerts}
}

func (a *AlertingNotifier) Notify(ctx context.Context, requesterID string, n message.Notification) error {
	if a.alerts != nil && n.Status == message.StatusDownloadError {
		content := fmt.Sprintf("Download failed for item %s (requester %s): %s", n.ItemID, requesterID, n.Error)
		alertCtx := context.WithoutCancel(ctx)

		go func() {
			if err := a.alerts.Notify(alertCtx, content); err != nil {
				logctx.LoggerFromContext(alertCtx).WarnContext(alertCtx, "failed to send operator alert", "err", err)
			}
		}()
	}

	return a.next.Notify(ctx, requesterID, n)
}
