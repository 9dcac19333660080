// Newtshift - safe BGP reconfiguration
//
// Newtshift plans a change to a BGP network as rounds of atomic commands
// (temporary sessions, route pins, preference switches) such that the
// routing specification holds in every transient state, and executes the
// plan against the simulator or a SONiC lab.
//
//	newtshift list                              # scenarios in the scenario dir
//	newtshift plan del-best-route               # compute and print a plan
//	newtshift plan del-best-route -o plan.yaml  # and save it
//	newtshift validate del-best-route --plan plan.yaml
//	newtshift run del-best-route                # plan and execute on the simulator
//	newtshift run del-best-route --driver sonic --lab lab.yaml
//	newtshift show reports/del-best-route-20260301-120000.json
//	newtshift status                            # runs in progress
//	newtshift audit --failures                  # applied commands that failed
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/util"
	"github.com/newtron-network/newtshift/pkg/version"
)

var (
	verbose    bool
	jsonOutput bool
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "newtshift",
		Short: "Safe BGP reconfiguration planner",
		Long: `Newtshift computes reconfiguration plans for BGP networks that keep the
routing specification satisfied in every transient state, and executes them.

Scenarios are YAML files describing the network, the change and the
specification. Bare names are looked up in the scenario directory
(newtshift settings set scenario_dir <dir>).`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.SetVerbose(verbose)
			if logLevel != "" {
				return util.SetLogLevel(logLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newListCmd(),
		newPlanCmd(),
		newValidateCmd(),
		newRunCmd(),
		newShowCmd(),
		newStatusCmd(),
		newAuditCmd(),
		settingsCmd,
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version.String())
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
