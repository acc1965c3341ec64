package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/logger"
	"go.uber.org/zap"
)

// These variables are set at build time via -ldflags
var (
	version = "dev"     // Set via -X main.version=...
	commit  = "unknown" // Set via -X main.commit=...
	date    = "unknown" // Set via -X main.date=...
)

func main() {
	// Set version in config package from build information
	config.SetVersion(version)

	// Create a top-level context for the application
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		logger.Info("Received termination signal. Shutting down gracefully...", zap.String("signal", sig.String()))
		cancel()
	}()

	// Run the CLI. The run and simulate commands block until the context
	// is cancelled and their shutdown completes.
	Execute(ctx)

	// Flush any buffered log output; a no-op when the logger never started
	_ = logger.Shutdown()
}
