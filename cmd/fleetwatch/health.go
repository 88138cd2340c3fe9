package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/monitor"
	"github.com/fleetwatch/fleetwatch/internal/tmux"
)

var (
	healthWindow int
	healthJSON   bool
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health <session>",
		Short: "Run an on-demand health check for a session",
		Long: `Check every agent window in a tmux session right now, without waiting
for the daemon's next cycle. Use --window to check a single window.`,
		Args: cobra.ExactArgs(1),
		RunE: runHealth,
	}

	cmd.Flags().IntVar(&healthWindow, "window", -1, "Check only this window index")
	cmd.Flags().BoolVar(&healthJSON, "json", false, "Output in JSON format")

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	results, err := svc.CheckHealth(context.Background(), args[0], healthWindow)
	if err != nil {
		return err
	}

	if healthJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	targets := make([]string, 0, len(results))
	for t := range results {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, t := range targets {
		h := results[t]
		fmt.Printf("%-24s %-12s failures=%d responsive=%v\n",
			t, h.Status, h.ConsecutiveFailures, h.IsResponsive)
	}
	return nil
}

// newService builds an in-process monitor service backed by the real tmux
// client, for one-shot commands.
func newService() (*monitor.Service, error) {
	cfg, err := config.Get()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return monitor.New(cfg, func() (tmux.Gateway, error) {
		return tmux.NewClient(), nil
	})
}
