package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/vmscope/console/internal/errors"
	"github.com/vmscope/console/internal/metrics"
	"github.com/vmscope/console/internal/models"
)

// StreamToken fetches a session token for the stream dial. A 401 or 404 is
// the unauthenticated path, not an error: the gateway either has no auth
// configured or does not expose the endpoint, and the dial proceeds without
// a token. The call is never retried here; it runs once per dial attempt
// and the reconnection backoff owns the retry cadence.
func (c *Client) StreamToken(ctx context.Context) (string, error) {
	body, status, err := c.do(ctx, "stream_token", http.MethodGet, c.tokenURL)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.status == http.StatusUnauthorized || se.status == http.StatusNotFound) {
			metrics.TokenFetches.WithLabelValues("unauthenticated").Inc()
			c.log.Debug("Token endpoint declined, dialing unauthenticated",
				zap.Int("status", se.status))
			return "", nil
		}
		metrics.TokenFetches.WithLabelValues("error").Inc()
		return "", apperrors.TokenError(err)
	}

	var resp models.TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.TokenFetches.WithLabelValues("error").Inc()
		return "", apperrors.TokenError(fmt.Errorf("decode response (status %d): %w", status, err))
	}

	if resp.Token == "" {
		metrics.TokenFetches.WithLabelValues("unauthenticated").Inc()
		return "", nil
	}

	metrics.TokenFetches.WithLabelValues("ok").Inc()
	return resp.Token, nil
}
