package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookErrorStatus is reported when the request could not be sent at all.
const WebhookErrorStatus = -1102000

// Webhook posts the hook context as JSON to url. A non-2xx response is
// reported as the negated HTTP status code.
func Webhook(url string, client *http.Client) Hook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, hc Context) int {
		body, err := json.Marshal(hc)
		if err != nil {
			slog.Error("Encoding webhook payload", "hook", hc.HookName, "error", err)
			return WebhookErrorStatus
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			slog.Error("Building webhook request", "hook", hc.HookName, "url", url, "error", err)
			return WebhookErrorStatus
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			slog.Warn("Webhook request failed", "hook", hc.HookName, "url", url, "error", err)
			return WebhookErrorStatus
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return -resp.StatusCode
		}
		return DefaultStatus
	}
}
