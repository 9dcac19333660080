package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/newtron-network/newtshift/pkg/cli"
	"github.com/newtron-network/newtshift/pkg/driver"
	"github.com/newtron-network/newtshift/pkg/driver/sonic"
	"github.com/newtron-network/newtshift/pkg/experiment"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/runtime"
	"github.com/newtron-network/newtshift/pkg/scenario"
	"github.com/newtron-network/newtshift/pkg/settings"
	"github.com/newtron-network/newtshift/pkg/util"
)

// loadSettings returns the user settings, or empty settings when the file
// cannot be read.
func loadSettings() *settings.Settings {
	s, err := settings.Load()
	if err != nil {
		util.Logger.Warnf("loading settings: %v", err)
		return &settings.Settings{}
	}
	return s
}

// resolveScenario loads a scenario by path or by name under the scenario
// directory: env > settings > default.
func resolveScenario(name string) (*scenario.Scenario, error) {
	dir := os.Getenv("NEWTSHIFT_SCENARIOS")
	if dir == "" {
		dir = loadSettings().GetScenarioDir()
	}
	return scenario.Find(dir, name)
}

// planFlags are the planning flags shared by plan and run.
type planFlags struct {
	loopChecking string
	solveTimeout time.Duration
	workers      int
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.loopChecking, "loop-checking", "", "Loop checking: strict or relaxed (default from scenario, then settings)")
	cmd.Flags().DurationVar(&f.solveTimeout, "solve-timeout", 0, "Planning time limit")
	cmd.Flags().IntVar(&f.workers, "solver-workers", 0, "Concurrent solver programs")
}

// config merges flags over settings. Scenario options apply where both are
// unset.
func (f *planFlags) config(cmd *cobra.Command) (experiment.Config, error) {
	s := loadSettings()
	var cfg experiment.Config

	switch {
	case cmd.Flags().Changed("loop-checking"):
		lc, err := plan.ParseLoopChecking(f.loopChecking)
		if err != nil {
			return cfg, err
		}
		cfg.LoopChecking = lc
	case s.LoopChecking != "":
		cfg.LoopChecking = s.GetLoopChecking()
	}

	cfg.SolveTimeout = f.solveTimeout
	if cfg.SolveTimeout == 0 && s.SolveTimeout != "" {
		cfg.SolveTimeout = s.GetSolveTimeout()
	}
	cfg.SolverWorkers = f.workers
	if cfg.SolverWorkers <= 0 {
		cfg.SolverWorkers = s.GetSolverWorkers()
	}
	return cfg, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printMetrics(m plan.Metrics) {
	fmt.Printf("Rounds: %d  Commands: %d  Temporary sessions: %d  Prefixes: %d\n",
		m.Rounds, m.Commands, m.TempSessions, m.Prefixes)
	fmt.Printf("Cost: %d  Peak table size: %d (from %d)  Messages: %d  Cut iterations: %d\n",
		m.Cost, m.PeakTableSize, m.TableSize, m.Messages, m.CutIterations)
	fmt.Printf("Solve time: %s  Estimated execution: %s\n",
		m.SolveTime.Round(time.Millisecond), m.EstimatedTime.Round(time.Second))
	if len(m.Suboptimal) > 0 {
		fmt.Printf("%s node limit reached for %v: the plan is validated but may not be the cheapest\n",
			cli.Yellow("note:"), m.Suboptimal)
	}
}

func printPlan(p *plan.Plan) {
	fmt.Printf("Change:\n")
	for _, m := range p.Change {
		fmt.Printf("  %s\n", m)
	}
	fmt.Printf("Loop checking: %s\n\n", p.LoopChecking)

	t := cli.NewTable("ROUND", "PHASE", "COMMAND", "MODIFIERS")
	for _, r := range p.Rounds {
		for i, id := range r.Commands {
			round, phase := "", ""
			if i == 0 {
				round, phase = fmt.Sprintf("%d", r.Index), string(r.Phase)
			}
			c := p.Command(id)
			mods := make([]string, len(c.Modifiers))
			for j, m := range c.Modifiers {
				mods[j] = m.String()
			}
			name := string(id)
			if c.Temporary {
				name = cli.Yellow(name)
			}
			t.Row(round, phase, name, strings.Join(mods, "; "))
		}
	}
	t.Flush()
	fmt.Println()
	printMetrics(p.Metrics)
}

func printRecord(rec *runtime.Record) {
	t := cli.NewTable("ROUND", "COMMAND", "STATE", "DURATION", "ERROR")
	for _, r := range rec.Rounds {
		for _, id := range r.Commands {
			c := rec.Command(id)
			dur := ""
			if d := c.Duration(); d > 0 {
				dur = d.Round(time.Millisecond).String()
			}
			t.Row(fmt.Sprintf("%d", r.Index), string(id), cli.Status(string(c.State)), dur, c.Err)
		}
	}
	t.Flush()
	fmt.Printf("\nOutcome: %s  Duration: %s  Rounds completed: %d/%d\n",
		cli.Status(string(rec.Outcome)), rec.Duration().Round(time.Millisecond), len(rec.CompletedRounds()), len(rec.Rounds))
	if rec.Stats != nil {
		fmt.Printf("Messages: %d  Peak table size: %d\n", rec.Stats.Messages, rec.Stats.MaxRoutes)
	}
}

// printForwardingDiff prints the next hops that differ between two states.
func printForwardingDiff(before, after model.ForwardingState) {
	diff := before.Diff(after)
	if len(diff) == 0 {
		fmt.Println("Forwarding unchanged.")
		return
	}
	prefixes := make([]string, 0, len(diff))
	for p := range diff {
		prefixes = append(prefixes, string(p))
	}
	sort.Strings(prefixes)

	t := cli.NewTable("PREFIX", "ROUTER", "BEFORE", "AFTER")
	for _, p := range prefixes {
		for _, d := range diff[model.Prefix(p)] {
			t.Row(p, string(d.Router), orNone(string(d.Old)), orNone(string(d.New)))
		}
	}
	t.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// sonicDriver returns a driver factory for the lab at path. The SSH password
// is prompted for when the lab lacks one and stdin is a terminal.
func sonicDriver(path string) (func(context.Context, *scenario.Scenario) (driver.Driver, error), error) {
	lab, err := sonic.LoadLab(path)
	if err != nil {
		return nil, err
	}
	if lab.NeedsPassword() {
		if pass := os.Getenv("NEWTSHIFT_SSH_PASS"); pass != "" {
			lab.SetPassword(pass)
		} else if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
			fmt.Fprint(os.Stderr, "SSH password: ")
			pass, err := term.ReadPassword(fd)
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return nil, fmt.Errorf("reading password: %w", err)
			}
			lab.SetPassword(string(pass))
		}
	}
	return func(ctx context.Context, sc *scenario.Scenario) (driver.Driver, error) {
		for _, r := range sc.Routers {
			if r.Role == model.RoleInternal && !lab.Manages(r.ID) {
				return nil, fmt.Errorf("lab %s does not manage router %s: %w", path, r.ID, util.ErrInvalidConfig)
			}
		}
		d, err := sonic.Connect(ctx, lab, sonic.Options{})
		if err != nil {
			return nil, err
		}
		return d, nil
	}, nil
}

// exitCode maps errors to process exit codes: 1 when the network or the
// plan is the problem, 2 for infrastructure and usage errors.
func exitCode(err error) int {
	switch {
	case errors.Is(err, util.ErrPlanAborted),
		errors.Is(err, util.ErrUnsatisfiable),
		errors.Is(err, util.ErrPlanInfeasible),
		errors.Is(err, util.ErrValidationFailed):
		return 1
	}
	return 2
}
