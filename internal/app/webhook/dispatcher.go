// Package webhook delivers signed JSON payloads to the configured customer
// notification endpoint, with exponential-backoff retry.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rutaops/dispatch/pkg/logger"
	"github.com/rutaops/dispatch/pkg/metrics"
)

const (
	defaultMaxAttempts = 3
	requestTimeout     = 10 * time.Second
	backoffBase        = time.Second
)

// Result reports the outcome of a delivery.
type Result struct {
	OK         bool
	HTTPStatus int
	Attempts   int
	Err        error
}

// Dispatcher sends webhook requests. It holds no per-request state beyond the
// HTTP client, so a single instance serves the whole process.
type Dispatcher struct {
	client  *http.Client
	log     *logger.Logger
	backoff func(attempt int) time.Duration
}

// NewDispatcher builds a Dispatcher with the standard 10s request timeout.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("webhook")
	}
	return &Dispatcher{
		client: &http.Client{Timeout: requestTimeout},
		log:    log,
		backoff: func(attempt int) time.Duration {
			return backoffBase << (attempt - 1) // 1s, 2s, 4s, ...
		},
	}
}

// Sign computes the signature header value for a body:
// sha256=<hex(HMAC-SHA256(secret, body))>.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch delivers payload to url, retrying network errors and 5xx responses
// with exponential backoff. 4xx responses are terminal. It blocks until done;
// use Go for the fire-and-forget path.
func (d *Dispatcher) Dispatch(ctx context.Context, url, event string, payload any, secret string, maxAttempts int) Result {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Err: fmt.Errorf("marshal payload: %w", err)}
	}

	var last Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = d.attempt(ctx, url, event, body, secret)
		last.Attempts = attempt

		if last.OK {
			metrics.ObserveWebhookDelivery(event, "delivered")
			return last
		}
		if last.HTTPStatus >= 400 && last.HTTPStatus < 500 {
			metrics.ObserveWebhookDelivery(event, "rejected")
			d.log.WithFields(logrus.Fields{
				"event": event, "status": last.HTTPStatus,
			}).Warn("webhook rejected, not retrying")
			return last
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				last.Err = ctx.Err()
				metrics.ObserveWebhookDelivery(event, "cancelled")
				return last
			case <-time.After(d.backoff(attempt)):
			}
		}
	}

	metrics.ObserveWebhookDelivery(event, "failed")
	d.log.WithFields(logrus.Fields{
		"event":    event,
		"attempts": last.Attempts,
		"status":   last.HTTPStatus,
	}).WithError(last.Err).Error("webhook delivery failed")
	return last
}

func (d *Dispatcher) attempt(ctx context.Context, url, event string, body []byte, secret string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	return Result{OK: ok, HTTPStatus: resp.StatusCode}
}

// Go dispatches in the background. The delivery deliberately detaches from
// the originating request context so retries survive the request, bounded by
// its own deadline.
func (d *Dispatcher) Go(url, event string, payload any, secret string, maxAttempts int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		d.Dispatch(ctx, url, event, payload, secret, maxAttempts)
	}()
}
