package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/audit"
	"github.com/newtron-network/newtshift/pkg/cli"
	"github.com/newtron-network/newtshift/pkg/command"
)

func newAuditCmd() *cobra.Command {
	var (
		path     string
		filter   audit.Filter
		cmdID    string
		since    time.Duration
		failures bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show applied commands",
		Long: `Show the audit log of commands applied by run.

  newtshift audit
  newtshift audit --scenario del-best-route --router b1
  newtshift audit --failures --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = audit.DefaultPath()
			}
			filter.Command = command.ID(cmdID)
			filter.FailureOnly = failures
			if since > 0 {
				filter.StartTime = time.Now().Add(-since)
			}

			events, err := audit.ReadFile(path, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(events)
			}
			if len(events) == 0 {
				fmt.Println("no audit events")
				return nil
			}

			t := cli.NewTable("TIME", "USER", "SCENARIO", "DRIVER", "COMMAND", "RESULT", "DURATION")
			for _, e := range events {
				result := cli.Green("ok")
				if !e.Success {
					result = cli.Red("failed: " + e.Error)
				}
				t.Row(e.Timestamp.Format("2006-01-02 15:04:05"), e.User, e.Scenario, e.Driver,
					string(e.Command), result, e.Duration.Round(time.Millisecond).String())
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "file", "", "Audit log path (default ~/.newtshift/audit.log)")
	cmd.Flags().StringVar(&filter.Scenario, "scenario", "", "Only this scenario")
	cmd.Flags().StringVar(&filter.Router, "router", "", "Only commands on this router")
	cmd.Flags().StringVar(&cmdID, "command", "", "Only this command id")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this")
	cmd.Flags().BoolVar(&failures, "failures", false, "Only failed applies")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum events to show")
	return cmd
}
