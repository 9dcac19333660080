package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/cli"
	"github.com/newtron-network/newtshift/pkg/experiment"
)

func newStatusCmd() *cobra.Command {
	var clean bool

	cmd := &cobra.Command{
		Use:   "status [scenario]",
		Short: "Show run status",
		Long: `Show the status of running and finished executions. Without a scenario,
shows every scenario with state.

  newtshift status
  newtshift status del-best-route
  newtshift status del-best-route --clean   # remove finished state`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var names []string
			if len(args) == 1 {
				names = args
			} else {
				all, err := experiment.ListRunStates()
				if err != nil {
					return err
				}
				names = all
			}

			var states []*experiment.RunState
			for _, name := range names {
				st, err := experiment.LoadRunState(name)
				if err != nil {
					return err
				}
				if st == nil {
					if len(args) == 1 {
						return fmt.Errorf("no state for scenario %s", name)
					}
					continue
				}
				if clean && st.Status != experiment.StatusRunning {
					if err := experiment.RemoveRunState(name); err != nil {
						return err
					}
					fmt.Printf("removed state of %s\n", name)
					continue
				}
				states = append(states, st)
			}

			if jsonOutput {
				if states == nil {
					states = []*experiment.RunState{}
				}
				return printJSON(states)
			}
			if len(states) == 0 {
				if !clean {
					fmt.Println("no runs")
				}
				return nil
			}

			t := cli.NewTable("SCENARIO", "DRIVER", "STATUS", "ROUND", "STARTED", "UPDATED")
			for _, st := range states {
				t.Row(st.Scenario, st.Driver, cli.Status(string(st.Status)),
					fmt.Sprintf("%d/%d", st.Round, st.Rounds),
					st.Started.Format(experiment.DateTimeFormat),
					time.Since(st.Updated).Round(time.Second).String()+" ago")
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().BoolVar(&clean, "clean", false, "Remove the state of finished runs")
	return cmd
}
