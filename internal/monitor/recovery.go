package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/detect"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/tmux"
)

// Recovery timing. The whole attempt is bounded so a wedged pane cannot
// stall the cycle.
const (
	recoveryTimeout      = 15 * time.Second
	recoveryInterruptGap = 500 * time.Millisecond
	recoverySettleDelay  = 2 * time.Second
	recoveryVerifyEvery  = time.Second
	defaultAgentCommand  = "claude"
	recoveryCaptureLimit = 60
)

type gatewayRunner func(ctx context.Context, fn func(gw tmux.Gateway) error) error

// recoveryManager restarts a dead agent in place: interrupt whatever holds
// the pane, clear the prompt, relaunch the agent command, and wait for its
// interface chrome to appear.
type recoveryManager struct {
	run     gatewayRunner
	command string
	log     *logging.Logger
}

func newRecoveryManager(run gatewayRunner) *recoveryManager {
	return &recoveryManager{
		run:     run,
		command: defaultAgentCommand,
		log:     logging.WithComponent("recovery"),
	}
}

// Attempt restarts the agent in the target pane. Returns nil once the
// relaunched agent's chrome is visible, an error when the attempt's time
// budget runs out or a gateway call fails.
func (r *recoveryManager) Attempt(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, recoveryTimeout)
	defer cancel()

	log := r.log.WithTarget(target)
	log.Warn("attempting agent restart")

	err := r.run(ctx, func(gw tmux.Gateway) error {
		// Two interrupts: the first stops a running turn, the second
		// exits the agent process itself.
		if err := gw.PressCtrlC(target); err != nil {
			return fmt.Errorf("interrupt: %w", err)
		}
		if err := sleep(ctx, recoveryInterruptGap); err != nil {
			return err
		}
		if err := gw.PressCtrlC(target); err != nil {
			return fmt.Errorf("interrupt: %w", err)
		}
		if err := sleep(ctx, recoveryInterruptGap); err != nil {
			return err
		}

		// Clear anything left on the shell line before relaunching.
		if err := gw.SendKeys(target, "C-u"); err != nil {
			return fmt.Errorf("clear prompt: %w", err)
		}
		if err := gw.SendText(target, r.command); err != nil {
			return fmt.Errorf("relaunch: %w", err)
		}
		if err := gw.PressEnter(target); err != nil {
			return fmt.Errorf("relaunch: %w", err)
		}
		if err := sleep(ctx, recoverySettleDelay); err != nil {
			return err
		}

		// Poll until the interface chrome renders or the budget expires.
		for {
			content, err := gw.Capture(target, recoveryCaptureLimit)
			if err == nil && detect.HasChrome(content) {
				return nil
			}
			if err := sleep(ctx, recoveryVerifyEvery); err != nil {
				return fmt.Errorf("agent chrome did not appear: %w", err)
			}
		}
	})
	if err != nil {
		log.WithError(err).Warn("restart attempt failed")
		return err
	}

	log.Info("agent restarted")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
