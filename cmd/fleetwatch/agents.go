package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var agentsJSON bool

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents fleetwatch can see",
		RunE:  runAgents,
	}

	cmd.Flags().BoolVar(&agentsJSON, "json", false, "Output in JSON format")

	return cmd
}

func runAgents(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	agents, err := svc.DiscoverAgents(cmd.Context())
	if err != nil {
		return err
	}

	if agentsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}

	if len(agents) == 0 {
		fmt.Println("no agents found")
		return nil
	}
	for _, a := range agents {
		fmt.Printf("%-24s %-16s %s\n", a.Target, a.DisplayName, a.Role)
	}
	return nil
}
