package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/cli"
	"github.com/newtron-network/newtshift/pkg/scenario"
)

func newListCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scenarios",
		Long: `List the scenarios in the scenario directory.

  newtshift list
  newtshift list --dir ./scenarios`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = os.Getenv("NEWTSHIFT_SCENARIOS")
			}
			if dir == "" {
				dir = loadSettings().GetScenarioDir()
			}
			all, err := scenario.LoadAll(dir)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(all)
			}
			if len(all) == 0 {
				fmt.Printf("no scenarios in %s\n", dir)
				return nil
			}

			t := cli.NewTable("SCENARIO", "ROUTERS", "PREFIXES", "CHANGE", "DESCRIPTION")
			for _, s := range all {
				change := make([]string, len(s.Change))
				for i, m := range s.Change {
					change[i] = m.String()
				}
				t.Row(s.Name,
					fmt.Sprintf("%d", len(s.Routers)),
					fmt.Sprintf("%d", len(s.Prefixes())),
					strings.Join(change, "; "),
					s.Description)
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Scenario directory")
	return cmd
}
