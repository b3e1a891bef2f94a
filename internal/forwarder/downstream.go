// Package forwarder consumes accepted events from the durable queue and
// delivers them to the downstream business-logic endpoint with bounded
// retries and a dead-letter path for permanent failures.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"gridrelay/internal/types"
)

// idempotencyKeyHeader carries the event_id so the downstream service can
// collapse duplicate deliveries of the same logical occurrence.
const idempotencyKeyHeader = "Idempotency-Key"

// maxErrorBodyRead limits how much of an error response body is kept for the
// ledger's error_message field.
const maxErrorBodyRead = 2048

// DownstreamError describes a failed downstream call. Retryable failures
// (network errors, timeouts, 408/429/5xx) are redelivered with backoff;
// everything else is permanent and goes straight to dead-letter.
type DownstreamError struct {
	StatusCode int
	Retryable  bool
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *DownstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("downstream returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("downstream call failed: %v", e.Err)
}

// Unwrap returns the underlying transport error, if any.
func (e *DownstreamError) Unwrap() error {
	return e.Err
}

// DownstreamClient posts normalized events to the business-logic endpoint.
// All calls go through a circuit breaker so a hard downstream outage sheds
// load quickly instead of burning every worker's timeout budget.
type DownstreamClient struct {
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	endpoint string
	timeout  time.Duration
}

// NewDownstreamClient creates a client for the given endpoint. The timeout
// bounds each individual call; a timeout is a transient failure.
func NewDownstreamClient(httpClient *http.Client, endpoint string, timeout time.Duration) *DownstreamClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "downstream",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &DownstreamClient{
		client:   httpClient,
		breaker:  cb,
		endpoint: endpoint,
		timeout:  timeout,
	}
}

// Forward delivers one event. A nil return means the downstream accepted the
// event (2xx); any other outcome is a *DownstreamError.
func (c *DownstreamClient) Forward(ctx context.Context, ev types.NormalizedEvent) error {
	body, err := json.Marshal(types.NewDownstreamRequest(ev))
	if err != nil {
		return &DownstreamError{Retryable: false, Err: fmt.Errorf("marshal downstream request: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DownstreamError{Retryable: false, Err: fmt.Errorf("build downstream request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyKeyHeader, ev.EventID)
	if ev.TraceID != "" {
		req.Header.Set("X-Request-Id", ev.TraceID)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		// Transient statuses count as breaker failures so a downstream
		// outage trips it; permanent 4xx rejections do not.
		if retryableStatus(r.StatusCode) {
			return r, fmt.Errorf("downstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if resp == nil {
			// Open breaker, transport error, or timeout: all transient.
			return &DownstreamError{Retryable: true, Err: err}
		}
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyRead))
		return &DownstreamError{
			StatusCode: resp.StatusCode,
			Retryable:  true,
			Body:       string(snippet),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyRead))
	return &DownstreamError{
		StatusCode: resp.StatusCode,
		Retryable:  false,
		Body:       string(snippet),
	}
}

// retryableStatus classifies an HTTP status as transient or permanent.
// Rate limiting and request timeouts are transient alongside 5xx; all other
// 4xx are client-side rejections that retrying cannot fix.
func retryableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}
