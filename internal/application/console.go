package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/api"
	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/health"
	"github.com/vmscope/console/internal/identity"
	"github.com/vmscope/console/internal/inventory"
	"github.com/vmscope/console/internal/jobs"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/metrics"
	"github.com/vmscope/console/internal/notifications"
	"github.com/vmscope/console/internal/stream"
	"github.com/vmscope/console/internal/workers"
)

// Console ties together the components needed to run the agent against a
// gateway: the REST client, the stream session, the feature mirrors built
// on top of it, and the admin endpoint.
type Console struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *config.Config
	instance *identity.Instance

	gateway *api.Client
	stream  *stream.Client
	journal domain.Journal

	WorkerPool    *workers.Pool
	Inventory     *inventory.Mirror
	Notifications *notifications.Feed
	Jobs          *jobs.Tracker

	health *health.HealthChecker
	admin  *http.Server

	statusStop func()
	startTime  time.Time
}

// New creates and configures a Console using the ConsoleBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Console, error) {
	// 1) Construct a ConsoleBuilder
	builder := NewConsoleBuilder(ctx, cfg)

	// 2) Identity first; the dial header and the logs carry it
	if err := builder.BuildIdentity(); err != nil {
		return nil, fmt.Errorf("failed building identity: %w", err)
	}

	// 3) Journal before the stream consumers so no records are dropped
	if err := builder.BuildJournal(); err != nil {
		return nil, fmt.Errorf("failed building journal: %w", err)
	}

	// 4) Gateway REST client
	builder.BuildGateway()

	// 5) Stream session (idle until Start)
	builder.BuildStream()

	// 6) Worker pool
	builder.BuildWorkers()

	// 7) Feature mirrors on top of the stream
	builder.BuildFeatures()

	// 8) Health checker over everything built above
	builder.BuildHealth()

	// 9) Finally assemble the Console
	console, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build console: %w", err)
	}
	return console, nil
}

// Start begins the main loops for the console: status journaling, the
// inventory mirror, the stream session, and the admin endpoint when
// metrics are enabled.
func (c *Console) Start(ctx context.Context) error {
	metrics.RegisterMetrics()

	// Journal connection lifecycle transitions for later inspection.
	updates, stop := c.stream.StatusFeed()
	c.statusStop = stop
	go c.journalTransitions(updates)

	if c.Inventory != nil {
		c.Inventory.Start()
	}

	c.stream.Open()

	if c.config.Metrics.Enabled {
		c.startAdminServer()
	}

	logger.Debug("Console started",
		zap.String("instance", c.instance.Short()),
		zap.String("gateway", c.config.Gateway.URL))
	return nil
}

// journalTransitions records every lifecycle transition the stream
// publishes. The loop ends when the session shuts down and the feed
// closes its subscriber channels.
func (c *Console) journalTransitions(updates <-chan stream.StatusUpdate) {
	prev := c.stream.StatusName()
	for u := range updates {
		name := u.Status.String()
		detail := u.Reason
		if u.Status == stream.StatusReconnecting {
			detail = fmt.Sprintf("attempt %d/%d", u.Attempt, u.MaxAttempts)
		}
		if detail == "" && u.Code != 0 {
			detail = fmt.Sprintf("close code %d", u.Code)
		}
		c.journal.RecordTransition(prev, name, detail)
		prev = name
	}
}

// startAdminServer exposes Prometheus metrics, the aggregated health
// endpoint, and the stats snapshot on the configured admin port.
func (c *Console) startAdminServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", c.health.HandleHealth)
	mux.HandleFunc("/stats", c.handleStats)

	c.admin = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Admin endpoint listening", zap.Int("port", c.config.Metrics.Port))
		if err := c.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the console with the configured timeout.
func (c *Console) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownTimeout := c.config.General.ShutdownTimeout

	// Create a timeout context for shutdown operations
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	// Step 1: Stop the admin endpoint so probes see the console go away first
	if c.admin != nil {
		if err := c.admin.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("admin server shutdown: %w", err))
		} else {
			logger.Debug("✅ Admin endpoint stopped")
		}
	}

	// Step 2: Close the stream session; no events arrive after this
	if err := c.stream.Shutdown(shutdownCtx); err != nil {
		shutdownErrors = append(shutdownErrors, fmt.Errorf("stream shutdown: %w", err))
	} else {
		logger.Debug("✅ Stream session closed")
	}
	if c.statusStop != nil {
		c.statusStop()
	}

	// Step 3: Detach the feature mirrors from the stream
	if c.Notifications != nil {
		c.Notifications.Close()
	}
	if c.Jobs != nil {
		c.Jobs.Close()
	}
	logger.Debug("✅ Feature mirrors detached")

	// Step 4: Stop the inventory mirror
	if c.Inventory != nil {
		c.Inventory.Stop()
		logger.Debug("✅ Inventory mirror stopped")
	}

	// Step 5: Wait for all worker pool tasks to finish with timeout
	logger.Debug("Waiting for worker pool to finish...")
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.WorkerPool.Stop()
	}()

	select {
	case <-done:
		logger.Debug("✅ Worker pool finished")
	case <-shutdownCtx.Done():
		shutdownErrors = append(shutdownErrors, fmt.Errorf("worker pool shutdown timed out after %v", shutdownTimeout))
		logger.Warn("Worker pool shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}

	// Step 6: Cancel the console context
	if c.cancel != nil {
		c.cancel()
	}

	// Step 7: Flush and close the journal last so buffered records land
	if err := c.journal.Close(shutdownCtx); err != nil {
		shutdownErrors = append(shutdownErrors, fmt.Errorf("journal close: %w", err))
	} else {
		logger.Debug("✅ Journal closed")
	}

	// Report final shutdown status
	if len(shutdownErrors) > 0 {
		logger.Warn("Console shutdown completed with errors",
			zap.Int("error_count", len(shutdownErrors)),
			zap.Errors("errors", shutdownErrors),
			zap.Duration("shutdown_timeout", shutdownTimeout))
	} else {
		logger.Info("✅ Console shutdown completed successfully",
			zap.Duration("uptime", time.Since(c.startTime)),
			zap.Duration("shutdown_timeout", shutdownTimeout))
	}
}
