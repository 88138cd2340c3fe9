package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/daemon"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/monitor"
	"github.com/fleetwatch/fleetwatch/internal/tmux"
)

var (
	startForeground bool
	startInterval   time.Duration
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the monitoring daemon",
		Long: `Start the fleetwatch daemon in the background.

The daemon discovers agents every cycle, checks their health, and keeps
the coordinator informed. Use --foreground to run in the current
terminal instead of detaching.`,
		RunE: runStart,
	}

	cmd.Flags().BoolVar(&startForeground, "foreground", false, "Run in the foreground instead of daemonizing")
	cmd.Flags().DurationVar(&startInterval, "interval", 0, "Override the monitoring interval (e.g. 15s)")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if startInterval > 0 {
		cfg.MonitorInterval = startInterval
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	dm := daemon.NewManager(cfg.PIDFile(), cfg.LockFile(), cfg.StopFile())

	if !startForeground {
		spawnArgs := []string{"start", "--foreground"}
		if startInterval > 0 {
			spawnArgs = append(spawnArgs, "--interval", startInterval.String())
		}
		pid, err := dm.Spawn(spawnArgs...)
		if err != nil {
			return err
		}
		fmt.Printf("fleetwatch started (pid %d)\n", pid)
		return nil
	}

	return dm.Run(context.Background(), func(ctx context.Context) error {
		svc, err := monitor.New(cfg, func() (tmux.Gateway, error) {
			return tmux.NewClient(), nil
		})
		if err != nil {
			return err
		}
		defer svc.Close()

		logging.WithComponent("daemon").Info("fleetwatch daemon running")
		err = svc.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
}
