package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/daemon"
)

var stopTimeout time.Duration

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the monitoring daemon",
		RunE:  runStop,
	}

	cmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "How long to wait for a graceful stop before force-killing")

	return cmd
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dm := daemon.NewManager(cfg.PIDFile(), cfg.LockFile(), cfg.StopFile())
	if err := dm.Stop(stopTimeout); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("fleetwatch is not running")
			return nil
		}
		return err
	}

	fmt.Println("fleetwatch stopped")
	return nil
}
