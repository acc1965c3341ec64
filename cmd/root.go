package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the vmscope console
var rootCmd = &cobra.Command{
	Use:   "vmscope-console",
	Short: "VMScope console is the realtime agent for the VMScope gateway",
	Long:  `Console agent that keeps a live session to the VMScope gateway: notifications, job streams and an inventory mirror, with an admin endpoint for metrics and health.`,
	Example: `
  vmscope-console run --gateway-url https://gateway.example.com
  vmscope-console run --log-level debug --metrics-port 9090
  vmscope-console simulate --listen 127.0.0.1:8870
  vmscope-console run --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		// Load configuration (use nil logger to avoid sync issues)
		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("gateway-url") {
			cfg.Gateway.URL, _ = flags.GetString("gateway-url")
		}
		if flags.Changed("data-dir") {
			cfg.General.DataDir, _ = flags.GetString("data-dir")
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
		}
		if flags.Changed("log-level") {
			lvl, _ := flags.GetString("log-level")
			cfg.Logging.Level = lvl
			if err := logger.UpdateLevel(lvl); err != nil {
				return fmt.Errorf("invalid log level %q: %v", lvl, err)
			}
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printWelcomeBanner() {
	fmt.Println("__     ____  __ ____                            ")
	fmt.Println("\\ \\   / /  \\/  / ___|  ___ ___  _ __   ___      ")
	fmt.Println(" \\ \\ / /| |\\/| \\___ \\ / __/ _ \\| '_ \\ / _ \\     ")
	fmt.Println("  \\ V / | |  | |___) | (_| (_) | |_) |  __/     ")
	fmt.Println("   \\_/  |_|  |_|____/ \\___\\___/| .__/ \\___|     ")
	fmt.Println("                               |_|              ")
	fmt.Println()
	fmt.Println("Welcome to VMScope Console - realtime agent for the VMScope gateway")
}

// init is automatically called before main(), sets up flags and subcommands
func init() {
	// Add persistent flags (inherited by all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	// CLI flags for console configuration
	rootCmd.PersistentFlags().String("gateway-url", "", "Base URL of the VMScope gateway")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding the persisted instance identity")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().Int("metrics-port", 9090, "Port for the admin endpoint (metrics and health)")

	// A simple version subcommand
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the vmscope console",
		Long:  "Print the version number of the vmscope console along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			// Check if detailed flag is provided
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)
}
