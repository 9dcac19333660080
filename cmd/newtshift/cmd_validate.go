package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/cli"
	"github.com/newtron-network/newtshift/pkg/experiment"
	"github.com/newtron-network/newtshift/pkg/plan"
)

func newValidateCmd() *cobra.Command {
	var planFile string

	cmd := &cobra.Command{
		Use:   "validate <scenario>",
		Short: "Validate a scenario or a saved plan",
		Long: `Validate a scenario file. With --plan, also replay the saved plan round by
round on the scenario's network and check the specification in every
state the rounds can produce.

  newtshift validate del-best-route
  newtshift validate del-best-route --plan plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := resolveScenario(args[0])
			if err != nil {
				return err
			}
			if planFile == "" {
				fmt.Printf("%s %s\n", cli.DotPad(sc.Name, 40), cli.Green("ok"))
				return nil
			}

			p, err := plan.Load(planFile)
			if err != nil {
				return err
			}
			e, _, err := experiment.Plan(cmd.Context(), sc, experiment.Config{Plan: p})
			if err != nil {
				fmt.Printf("%s %s\n", cli.DotPad(planFile, 40), cli.Status(string(e.Outcome)))
				return err
			}
			fmt.Printf("%s %s\n", cli.DotPad(planFile, 40), cli.Green("safe"))
			if verbose {
				printForwardingDiff(e.Before, e.After)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planFile, "plan", "", "Saved plan to replay")
	return cmd
}
