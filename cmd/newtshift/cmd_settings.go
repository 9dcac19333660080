package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/cli"
	"github.com/newtron-network/newtshift/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persistent settings",
	Long: `Manage persistent settings stored in ~/.newtshift/settings.json.

Settings provide defaults for flags:
  - scenario_dir:    Where bare scenario names are looked up
  - report_dir:      Where run writes experiment records
  - lab_file:        SONiC lab for run --driver sonic
  - loop_checking:   strict or relaxed
  - solver_workers:  Concurrent solver programs
  - solve_timeout:   Planning time limit
  - command_timeout: Per-command convergence limit

Examples:
  newtshift settings show
  newtshift settings set scenario_dir ./scenarios
  newtshift settings set loop_checking relaxed
  newtshift settings clear`,
}

// settingNames lists the settings in display order.
var settingNames = []string{
	"scenario_dir", "report_dir", "lab_file",
	"loop_checking", "solver_workers", "solve_timeout", "command_timeout",
}

// settingValue returns the stored value of a setting and its effective value.
func settingValue(s *settings.Settings, name string) (stored, effective string, err error) {
	switch name {
	case "scenario_dir":
		return s.ScenarioDir, s.GetScenarioDir(), nil
	case "report_dir":
		return s.ReportDir, s.GetReportDir(), nil
	case "lab_file":
		return s.LabFile, s.LabFile, nil
	case "loop_checking":
		return s.LoopChecking, string(s.GetLoopChecking()), nil
	case "solver_workers":
		stored := ""
		if s.SolverWorkers > 0 {
			stored = fmt.Sprintf("%d", s.SolverWorkers)
		}
		return stored, fmt.Sprintf("%d", s.GetSolverWorkers()), nil
	case "solve_timeout":
		return s.SolveTimeout, s.GetSolveTimeout().String(), nil
	case "command_timeout":
		return s.CommandTimeout, s.GetCommandTimeout().String(), nil
	}
	return "", "", fmt.Errorf("unknown setting %q", name)
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		if jsonOutput {
			return printJSON(s)
		}

		fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())

		t := cli.NewTable("SETTING", "VALUE", "EFFECTIVE")
		for _, name := range settingNames {
			stored, effective, _ := settingValue(s, name)
			if stored == "" {
				stored = "(not set)"
			}
			t.Row(name, stored, effective)
		}
		t.Flush()
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <setting> <value>",
	Short: "Set a setting value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			s = &settings.Settings{}
		}
		if err := s.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Printf("%s set to: %s\n", args[0], args[1])
		return nil
	},
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <setting>",
	Short: "Get a setting value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		_, effective, err := settingValue(s, args[0])
		if err != nil {
			return err
		}
		if effective == "" {
			fmt.Println("(not set)")
		} else {
			fmt.Println(effective)
		}
		return nil
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := &settings.Settings{}
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Println("Settings cleared.")
		return nil
	},
}

var settingsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show settings file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(settings.DefaultSettingsPath())
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsClearCmd)
	settingsCmd.AddCommand(settingsPathCmd)
}
