package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtshift/pkg/audit"
	"github.com/newtron-network/newtshift/pkg/experiment"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/runtime"
	"github.com/newtron-network/newtshift/pkg/util"
)

func newRunCmd() *cobra.Command {
	var (
		flags          planFlags
		driverName     string
		labFile        string
		planFile       string
		commandTimeout time.Duration
		timeout        time.Duration
		workers        int
		reportDir      string
		junit          string
		noReport       bool
		auditLog       string
		noAudit        bool
	)

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Plan and execute a scenario",
		Long: `Plan the scenario's change (or load a saved plan) and execute it round by
round. Execution aborts on the first failed or timed-out command; the
experiment record is written to the report directory either way.

Drivers:
  sim    in-process BGP simulator built from the scenario (default)
  sonic  SONiC switches described by a lab file (--lab or settings lab_file)

  newtshift run del-best-route
  newtshift run del-best-route --plan plan.yaml
  newtshift run del-best-route --driver sonic --lab lab.yaml --command-timeout 2m
  newtshift run del-best-route --junit results.xml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := loadSettings()
			sc, err := resolveScenario(args[0])
			if err != nil {
				return err
			}
			cfg, err := flags.config(cmd)
			if err != nil {
				return err
			}
			cfg.CommandTimeout = commandTimeout
			if cfg.CommandTimeout == 0 && s.CommandTimeout != "" {
				cfg.CommandTimeout = s.GetCommandTimeout()
			}
			cfg.Timeout = timeout
			cfg.Workers = workers

			if planFile != "" {
				p, err := plan.Load(planFile)
				if err != nil {
					return err
				}
				cfg.Plan = p
			}

			switch driverName {
			case "sim":
			case "sonic":
				if labFile == "" {
					labFile = s.LabFile
				}
				if labFile == "" {
					return fmt.Errorf("--lab is required for the sonic driver: %w", util.ErrInvalidConfig)
				}
				open, err := sonicDriver(labFile)
				if err != nil {
					return err
				}
				cfg.Driver = open
				cfg.DriverName = "sonic"
			default:
				return fmt.Errorf("unknown driver %q (valid: sim, sonic): %w", driverName, util.ErrInvalidConfig)
			}

			if !noAudit {
				if auditLog == "" {
					auditLog = audit.DefaultPath()
				}
				log, err := audit.NewFileLogger(auditLog, audit.RotationConfig{MaxSize: 10 << 20, MaxBackups: 5})
				if err != nil {
					return err
				}
				defer log.Close()
				cfg.Audit = log
			}

			state := &experiment.RunState{Scenario: sc.Name, Driver: driverName}
			if err := experiment.AcquireLock(state); err != nil {
				return err
			}
			var progress runtime.Progress
			if !jsonOutput {
				progress = runtime.NewConsoleProgress(verbose)
			}
			cfg.Progress = &experiment.StateProgress{State: state, Next: progress}

			e, runErr := experiment.Run(cmd.Context(), sc, cfg)

			status := experiment.StatusComplete
			if runErr != nil {
				status = experiment.StatusAborted
			}
			if err := experiment.ReleaseLock(state, status); err != nil {
				util.Logger.Warnf("releasing run lock: %v", err)
			}

			if !noReport {
				dir := reportDir
				if dir == "" {
					dir = s.GetReportDir()
				}
				if err := writeReports(e, dir, junit); err != nil {
					util.Logger.Warnf("writing reports: %v", err)
				}
			}

			if jsonOutput {
				if err := printJSON(e); err != nil {
					return err
				}
			} else if e.Record == nil && runErr != nil {
				fmt.Printf("%s: %s\n", e.Name, e.Outcome)
			}
			return runErr
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&driverName, "driver", "sim", "Network driver: sim or sonic")
	cmd.Flags().StringVar(&labFile, "lab", "", "SONiC lab file")
	cmd.Flags().StringVar(&planFile, "plan", "", "Execute a saved plan instead of planning")
	cmd.Flags().DurationVar(&commandTimeout, "command-timeout", 0, "Per-command convergence limit")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Limit for the whole execution")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent command dispatch")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Directory for experiment records and reports")
	cmd.Flags().StringVar(&junit, "junit", "", "Also write a JUnit XML report to this path")
	cmd.Flags().BoolVar(&noReport, "no-report", false, "Do not write records or reports")
	cmd.Flags().StringVar(&auditLog, "audit-log", "", "Audit log path (default ~/.newtshift/audit.log)")
	cmd.Flags().BoolVar(&noAudit, "no-audit", false, "Do not audit applied commands")
	return cmd
}

// writeReports writes the experiment record and a markdown report into dir,
// and a JUnit report when junit is set.
func writeReports(e *experiment.Experiment, dir, junit string) error {
	path, err := e.WriteJSON(dir)
	if err != nil {
		return err
	}
	gen := &experiment.ReportGenerator{Experiments: []*experiment.Experiment{e}}
	md := filepath.Join(dir, "report.md")
	if err := gen.WriteMarkdown(md); err != nil {
		return err
	}
	if junit != "" {
		if err := gen.WriteJUnit(junit); err != nil {
			return err
		}
	}
	util.WithField("record", path).Infof("wrote %s", md)
	return nil
}
