package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"goa.design/analyst/runtime/analyst/plan"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with plan files",
	}
	cmd.AddCommand(newPlanValidateCmd())
	return cmd
}

func newPlanValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Decode and validate a plan file (JSON, YAML or legacy flat format)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := plan.Decode(data)
			if err != nil {
				return err
			}
			if err := plan.Validate(p, plan.Capability.Valid); err != nil {
				return err
			}
			order, err := plan.TopoOrder(p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plan is valid: %d steps, %d edges\n", len(p.Nodes), len(p.Edges))
			for i, id := range order {
				n, _ := p.Node(id)
				fmt.Fprintf(out, "%d. %s (%s) %s\n", i+1, n.ID, n.Capability, n.SubGoal)
			}
			return nil
		},
	}
}
