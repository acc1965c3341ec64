package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/vmscope/console/internal/errors"
	"github.com/vmscope/console/internal/metrics"
)

// statusError is a non-2xx gateway response. It carries the status so the
// retry loop can tell a gateway hiccup from a request that will never
// succeed.
type statusError struct {
	status int
	body   []byte
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway returned %d %s", e.status, http.StatusText(e.status))
}

// retryable reports whether the request may succeed on a later attempt.
// Transport errors arrive with status 0 and are retryable as well: the
// gateway restarting under the console is the common failure here.
func retryable(status int) bool {
	return status == 0 || status >= 500 || status == http.StatusTooManyRequests
}

// do performs one HTTP request and returns the response body. The returned
// status is 0 when the request never reached the gateway.
func (c *Client) do(ctx context.Context, operation, method, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	metrics.APIRequestDuration.Observe(elapsed.Seconds())
	metrics.AddResponseTime(float64(elapsed.Milliseconds()))
	if err != nil {
		metrics.APIRequests.WithLabelValues(operation, "error").Inc()
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.APIRequests.WithLabelValues(operation, "error").Inc()
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		metrics.APIRequests.WithLabelValues(operation, "error").Inc()
		return nil, resp.StatusCode, &statusError{status: resp.StatusCode, body: body}
	}

	metrics.APIRequests.WithLabelValues(operation, "ok").Inc()
	return body, resp.StatusCode, nil
}

// doWithRetry runs do with exponential backoff on retryable failures. The
// terminal error is already typed for callers.
func (c *Client) doWithRetry(ctx context.Context, operation, method, rawURL string) ([]byte, error) {
	var lastErr error
	var lastStatus int
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Jitter in [backoff/2, backoff*1.5) keeps parallel refreshes
			// from hammering a recovering gateway in lockstep.
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			c.log.Debug("Retrying gateway request",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", jitter))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}
			backoff *= 2
		}

		body, status, err := c.do(ctx, operation, method, rawURL)
		if err == nil {
			return body, nil
		}

		lastErr, lastStatus = err, status
		if !retryable(status) {
			break
		}
	}

	if lastStatus == http.StatusNotFound {
		return nil, apperrors.NotFoundError(operation)
	}
	return nil, apperrors.GatewayAPIError(operation, lastStatus, lastErr)
}

// get fetches rawURL and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, operation, rawURL string, out any) error {
	body, err := c.doWithRetry(ctx, operation, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.GatewayAPIError(operation, 0, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// post issues a bodyless POST and discards the response body.
func (c *Client) post(ctx context.Context, operation, rawURL string) error {
	_, err := c.doWithRetry(ctx, operation, http.MethodPost, rawURL)
	return err
}
