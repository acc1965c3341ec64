package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/simulator"
)

// simulateCmd runs the local gateway simulator: the REST fixtures, the
// stream socket and the synthetic activity generator. It blocks until
// the root context is cancelled.
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the local gateway simulator",
	Long:  "Run a local gateway serving the REST fixtures and the stream socket with synthetic activity, for developing the console without a real gateway",
	Run: func(cmd *cobra.Command, args []string) {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Simulator.Listen = listen
		}

		ctx := cmd.Context()

		sim := simulator.New(cfg)
		logger.Info("Starting gateway simulator...",
			zap.String("listen", cfg.Simulator.Listen),
			zap.Bool("auth", cfg.Simulator.AuthEnabled))
		if err := sim.Run(ctx); err != nil {
			logger.Error("Simulator exited with error", zap.Error(err))
			os.Exit(1)
		}
	},
}

func init() {
	simulateCmd.Flags().String("listen", "", "Listen address override (host:port)")
	rootCmd.AddCommand(simulateCmd)
}
