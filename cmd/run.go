package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/application"
	"github.com/vmscope/console/internal/logger"
)

// runCmd starts the console agent against the configured gateway and
// blocks until the root context is cancelled.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the console agent",
	Long:  "Run the console agent: hold a live session to the gateway, mirror its state and serve the admin endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		printWelcomeBanner()

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				logger.Error("Failed to resolve absolute path for config", zap.Error(err))
				os.Exit(1)
			}
			logger.Info("Using config file", zap.String("config_file", absPath))
		}

		// Use the context passed down from main.go
		ctx := cmd.Context()

		logger.Info("Starting console...")
		console, err := application.New(ctx, cfg)
		if err != nil {
			logger.Error("Failed to initialize the console", zap.Error(err))
			os.Exit(1)
		}

		if err := console.Start(ctx); err != nil {
			logger.Error("Failed to start the console", zap.Error(err))
			os.Exit(1)
		}

		logger.Info("Console started successfully!",
			zap.String("instance", console.Instance().Short()),
			zap.String("gateway", console.Config().Gateway.URL))

		// Block until the termination signal cancels the root context,
		// then run the ordered shutdown before returning to main.
		<-ctx.Done()
		console.Shutdown()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
