// Package api is the typed REST client for the management gateway. It covers
// the read-side endpoints the console mirrors locally (hosts, VMs, jobs,
// notifications), the mark-read ack, and the stream token endpoint consumed
// by the socket dial path.
package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/logger"
)

// Compile-time interface checks.
var (
	_ domain.GatewayAPI  = (*Client)(nil)
	_ domain.TokenSource = (*Client)(nil)
)

// Client talks to the gateway REST surface. All methods are safe for
// concurrent use.
type Client struct {
	baseURL  string
	tokenURL string
	http     *http.Client
	log      *zap.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// New creates a gateway REST client from the gateway section of the config.
func New(cfg *config.GatewayConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		tokenURL: cfg.TokenURL(),
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		maxRetries:   cfg.MaxRetries,
		retryBackoff: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = logger.New("api")
	}

	return c
}

// WithHTTPClient sets a custom HTTP client. The client's own timeout applies;
// the config request timeout is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithRetryBackoff sets the base delay between retries of a failed request.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.retryBackoff = d
	}
}
