package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/cli"
	"github.com/newtron-network/newtshift/pkg/experiment"
	"github.com/newtron-network/newtshift/pkg/plan"
)

func newShowCmd() *cobra.Command {
	var showLog bool

	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Show a saved plan or experiment record",
		Long: `Show a plan saved by plan -o (.yaml) or an experiment record written by
run (.json). A .json file without an experiment name is read as a plan.

  newtshift show plan.yaml
  newtshift show reports/del-best-route-20260301-120000.json --log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if strings.EqualFold(filepath.Ext(path), ".json") {
				if e, err := experiment.Load(path); err == nil && e.Name != "" {
					return showExperiment(e, showLog)
				}
			}
			p, err := plan.Load(path)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			printPlan(p)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showLog, "log", false, "Print the execution log")
	return cmd
}

func showExperiment(e *experiment.Experiment, showLog bool) error {
	if jsonOutput {
		return printJSON(e)
	}

	fmt.Printf("%s %s\n", cli.Bold(e.Name), cli.Status(string(e.Outcome)))
	fmt.Printf("Started: %s  Driver: %s\n", e.Started.Format(experiment.DateTimeFormat), e.Driver)
	if e.Err != "" {
		fmt.Printf("Error: %s\n", e.Err)
	}
	fmt.Println()

	if e.Plan != nil {
		printPlan(e.Plan)
		fmt.Println()
	}
	if e.Record != nil {
		printRecord(e.Record)
		fmt.Println()
		if showLog {
			for _, l := range e.Record.Log {
				fmt.Printf("%s  round %d  %-24s %-10s %s\n",
					l.Time.Format("15:04:05.000"), l.Round, l.Command, l.State, l.Message)
			}
			fmt.Println()
		}
	}
	printForwardingDiff(e.Before, e.After)
	return nil
}
