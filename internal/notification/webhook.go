package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"signal-pipelinev1/pkg/errors"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. Server errors
// are retried up to Retries times; client errors are not.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	Retries int
	Backoff time.Duration
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		Retries: 2,
		Backoff: 500 * time.Millisecond,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidParameter, "webhook: marshal", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(errors.ErrCodeExternalFailure, "webhook: cancelled", ctx.Err())
			case <-time.After(w.Backoff * time.Duration(attempt)):
			}
		}
		retry, err := w.post(ctx, alert.Key, body)
		if err == nil {
			log.Printf("[webhook] sent alert to %s: %s", w.url, alert.Title)
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

// post makes one delivery attempt and reports whether a failure is worth
// retrying.
func (w *WebhookNotifier) post(ctx context.Context, key string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeConfig, "webhook: create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Alert-Key", key)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, errors.Wrap(errors.ErrCodeExternalFailure, "webhook: send", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, errors.Newf(errors.ErrCodeExternalFailure, "webhook: status %d", resp.StatusCode)
	default:
		return false, errors.Newf(errors.ErrCodeExternalFailure, "webhook: rejected with status %d", resp.StatusCode)
	}
}
