// Package main is the entry point for the fleetwatch CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	initLogging()

	rootCmd := &cobra.Command{
		Use:   "fleetwatch",
		Short: "Supervise AI coding agents running in tmux",
		Long: `Fleetwatch watches a fleet of AI coding agents running in tmux windows.

It classifies each agent's pane content, tracks health across monitoring
cycles, notifies the coordinator agent about crashes and rate limits,
escalates prolonged team-wide idleness, and pauses itself across usage
limit windows.`,
	}

	rootCmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
		newHealthCmd(),
		newRecoverCmd(),
		newAgentsCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging initializes the logger from config.
func initLogging() {
	cfg, err := config.Get()
	if err != nil {
		// If config fails, use defaults (console output)
		_ = logging.Init(nil)
		return
	}

	lc := logging.LoggingConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		JSON:       cfg.Logging.JSON,
		Console:    cfg.Logging.Console,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}

	if err := logging.InitFromLogConfig(lc); err != nil {
		_ = logging.Init(nil)
	}
}
