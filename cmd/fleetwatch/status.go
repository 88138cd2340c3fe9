package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/daemon"
	"github.com/fleetwatch/fleetwatch/internal/heartbeat"
)

var statusJSON bool

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and fleet status",
		Long: `Show whether the daemon is running and, when Redis telemetry is
configured, the last published cycle snapshot.`,
		RunE: runStatus,
	}

	cmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")

	return cmd
}

type statusReport struct {
	Running bool                     `json:"running"`
	PID     int                      `json:"pid,omitempty"`
	Cycle   *heartbeat.CycleSnapshot `json:"cycle,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Get()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dm := daemon.NewManager(cfg.PIDFile(), cfg.LockFile(), cfg.StopFile())
	running, pid := dm.IsRunning()

	report := statusReport{Running: running, PID: pid}

	if running && cfg.RedisURL != "" {
		pub, err := heartbeat.NewPublisher(cfg.RedisURL, cfg.MonitorInterval)
		if err == nil {
			defer pub.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if cycle, err := pub.ReadCycle(ctx); err == nil {
				report.Cycle = cycle
			}
		}
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if !report.Running {
		fmt.Println("fleetwatch is not running")
		return nil
	}

	fmt.Printf("fleetwatch is running (pid %d)\n", report.PID)
	if c := report.Cycle; c != nil {
		fmt.Printf("  cycles:   %d (last %s, took %dms)\n",
			c.CycleCount, time.Unix(c.Timestamp, 0).Format("15:04:05"), c.CycleMillis)
		fmt.Printf("  agents:   %d active, %d idle\n", c.ActiveAgents, c.IdleAgents)
		fmt.Printf("  errors:   %d\n", c.ErrorsDetected)
	}
	return nil
}
