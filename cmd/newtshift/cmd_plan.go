package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/experiment"
)

func newPlanCmd() *cobra.Command {
	var (
		flags  planFlags
		output string
		diff   bool
	)

	cmd := &cobra.Command{
		Use:   "plan <scenario>",
		Short: "Compute a reconfiguration plan",
		Long: `Compute a plan for the scenario's change and print it.

The plan is validated by replaying it on the simulator before it is
printed. With -o it is also saved (YAML or JSON by extension) for later
use with validate --plan or run --plan.

  newtshift plan del-best-route
  newtshift plan del-best-route --loop-checking relaxed
  newtshift plan del-best-route -o plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := resolveScenario(args[0])
			if err != nil {
				return err
			}
			cfg, err := flags.config(cmd)
			if err != nil {
				return err
			}

			e, _, err := experiment.Plan(cmd.Context(), sc, cfg)
			if err != nil {
				return fmt.Errorf("planning %s: %w", sc.Name, err)
			}

			if output != "" {
				if err := e.Plan.Save(output); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(e.Plan)
			}
			printPlan(e.Plan)
			if diff {
				fmt.Println()
				printForwardingDiff(e.Before, e.After)
			}
			if output != "" {
				fmt.Printf("\nPlan saved to %s\n", output)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Save the plan to a file (.yaml or .json)")
	cmd.Flags().BoolVar(&diff, "diff", false, "Print the forwarding changes of the plan")
	return cmd
}
