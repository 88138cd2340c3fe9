package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var recoverWindow int

func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover <session>",
		Short: "Force a recovery attempt for a session's agents",
		Long: `Restart the agents in a tmux session in place: interrupt whatever is
running, clear the prompt, relaunch the agent command, and wait for it
to come up. Use --window to recover a single window.`,
		Args: cobra.ExactArgs(1),
		RunE: runRecover,
	}

	cmd.Flags().IntVar(&recoverWindow, "window", -1, "Recover only this window index")

	return cmd
}

func runRecover(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ok, err := svc.HandleRecovery(context.Background(), args[0], recoverWindow)
	if err != nil {
		return err
	}
	if ok {
		fmt.Println("recovery complete")
	}
	return nil
}
