package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/figsettings/fig/pkg/models"
)

// WebhookPublisher posts every audit event as JSON to a list of URLs, signed
// with HMAC-SHA256 when a secret is configured.
type WebhookPublisher struct {
	urls   []string
	secret string
	client *http.Client
	// retryWait is the pause before the second attempt; it doubles after that.
	retryWait time.Duration
}

// webhookAttempts is the number of deliveries tried per URL.
const webhookAttempts = 3

func NewWebhookPublisher(urls []string, secret string) *WebhookPublisher {
	return &WebhookPublisher{
		urls:      urls,
		secret:    secret,
		client:    &http.Client{Timeout: 15 * time.Second},
		retryWait: 2 * time.Second,
	}
}

// WithRetryWait sets the pause before the first retry.
func (w *WebhookPublisher) WithRetryWait(d time.Duration) *WebhookPublisher {
	w.retryWait = d
	return w
}

func (w *WebhookPublisher) Kind() string { return "webhook" }

func (w *WebhookPublisher) Publish(ctx context.Context, event *models.AuditEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var firstErr error
	for _, url := range w.urls {
		if err := w.send(ctx, url, event, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Sign returns the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookPublisher) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.retryWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, webhookAttempts-1), ctx)
}

// send delivers one payload. Transport errors, 429 and 5xx answers are
// retried; any other status fails at once.
func (w *WebhookPublisher) send(ctx context.Context, url string, event *models.AuditEvent, body []byte) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Fig-Webhook/1.0")
		req.Header.Set("X-Fig-Event", string(event.Type))
		req.Header.Set("X-Fig-Client", event.ClientName)
		if w.secret != "" {
			req.Header.Set("X-Fig-Signature", Sign(w.secret, body))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, url)
		default:
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, url))
		}
	}

	if err := backoff.Retry(operation, w.retryPolicy(ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("webhook delivery to %s: %w", url, err)
	}
	return nil
}
