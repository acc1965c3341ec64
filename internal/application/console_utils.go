package application

import (
	"time"

	"github.com/vmscope/console/internal/api"
	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/health"
	"github.com/vmscope/console/internal/identity"
	"github.com/vmscope/console/internal/stream"
)

// Config returns the console's configuration.
func (c *Console) Config() *config.Config {
	return c.config
}

// Instance returns the persisted console identity.
func (c *Console) Instance() *identity.Instance {
	return c.instance
}

// Gateway returns the gateway REST client.
func (c *Console) Gateway() *api.Client {
	return c.gateway
}

// Stream returns the realtime stream session.
func (c *Console) Stream() *stream.Client {
	return c.stream
}

// Journal returns the event journal.
func (c *Console) Journal() domain.Journal {
	return c.journal
}

// Health returns the aggregated health checker.
func (c *Console) Health() *health.HealthChecker {
	return c.health
}

// GetStartTime returns when the console was assembled.
func (c *Console) GetStartTime() time.Time {
	return c.startTime
}
