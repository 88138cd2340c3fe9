package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/daemon"
)

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the monitoring daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Get()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			dm := daemon.NewManager(cfg.PIDFile(), cfg.LockFile(), cfg.StopFile())
			if err := dm.Stop(10 * time.Second); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
				return err
			}

			pid, err := dm.Spawn("start", "--foreground")
			if err != nil {
				return err
			}
			fmt.Printf("fleetwatch restarted (pid %d)\n", pid)
			return nil
		},
	}
}
