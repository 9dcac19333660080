// Package experiment ties the planner and the runtime together: it plans a
// scenario, optionally executes the plan, and keeps the outcome as an
// experiment record with JSON, markdown and JUnit renderings.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/newtron-network/newtshift/pkg/audit"
	"github.com/newtron-network/newtshift/pkg/bgp"
	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/decompose"
	"github.com/newtron-network/newtshift/pkg/driver"
	"github.com/newtron-network/newtshift/pkg/driver/sim"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/runtime"
	"github.com/newtron-network/newtshift/pkg/scenario"
	"github.com/newtron-network/newtshift/pkg/util"
)

// DateTimeFormat is the timestamp layout of reports.
const DateTimeFormat = "2006-01-02 15:04:05"

// fileTimeFormat is the timestamp layout of record file names.
const fileTimeFormat = "20060102-150405"

// Outcome is the result of an experiment.
type Outcome string

const (
	OutcomePlanned       Outcome = "planned"
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeAborted       Outcome = "aborted"
	OutcomeUnsatisfiable Outcome = "unsatisfiable"
	OutcomeInfeasible    Outcome = "infeasible"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeUnsafe        Outcome = "unsafe"
	OutcomeError         Outcome = "error"
)

// Experiment is the persisted result of planning and running one scenario.
type Experiment struct {
	Name     string    `json:"name"`
	Scenario string    `json:"scenario,omitempty"`
	Driver   string    `json:"driver,omitempty"`
	Started  time.Time `json:"started"`

	Plan    *plan.Plan      `json:"plan,omitempty"`
	Record  *runtime.Record `json:"record,omitempty"`
	Metrics plan.Metrics    `json:"metrics"`

	Before model.ForwardingState `json:"before,omitempty"`
	After  model.ForwardingState `json:"after,omitempty"`

	Outcome Outcome `json:"outcome"`
	Err     string  `json:"error,omitempty"`
}

// Failed reports whether the experiment did not reach its goal.
func (e *Experiment) Failed() bool {
	return e.Outcome != OutcomePlanned && e.Outcome != OutcomeSucceeded
}

// Duration is the execution time, or zero when nothing ran.
func (e *Experiment) Duration() time.Duration {
	if e.Record == nil {
		return 0
	}
	return e.Record.Duration()
}

// SetError records err and classifies the outcome.
func (e *Experiment) SetError(err error) {
	if err == nil {
		return
	}
	e.Err = err.Error()
	switch {
	case errors.Is(err, util.ErrPlanAborted):
		e.Outcome = OutcomeAborted
	case errors.Is(err, util.ErrUnsatisfiable):
		e.Outcome = OutcomeUnsatisfiable
	case errors.Is(err, util.ErrPlanInfeasible):
		e.Outcome = OutcomeInfeasible
	case errors.Is(err, util.ErrTimeout):
		e.Outcome = OutcomeTimeout
	case errors.Is(err, util.ErrValidationFailed):
		e.Outcome = OutcomeUnsafe
	default:
		e.Outcome = OutcomeError
	}
}

// FileName returns the timestamped record file name.
func (e *Experiment) FileName() string {
	name := strings.NewReplacer("/", "-", " ", "-").Replace(e.Name)
	return fmt.Sprintf("%s-%s.json", name, e.Started.UTC().Format(fileTimeFormat))
}

// WriteJSON writes the experiment into dir under FileName and returns the
// path.
func (e *Experiment) WriteJSON(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling experiment: %w", err)
	}
	path := filepath.Join(dir, e.FileName())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing experiment: %w", err)
	}
	return path, nil
}

// Load reads an experiment written by WriteJSON.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("experiment %s: %w", path, util.ErrNotFound)
		}
		return nil, fmt.Errorf("reading experiment: %w", err)
	}
	var e Experiment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing experiment %s: %w", path, err)
	}
	return &e, nil
}

// Config controls how a scenario is planned and run. Zero values fall back
// to the scenario options, then to package defaults.
type Config struct {
	LoopChecking   plan.LoopChecking
	SolveTimeout   time.Duration
	SolverWorkers  int
	CommandTimeout time.Duration
	// Timeout bounds the whole execution.
	Timeout  time.Duration
	Workers  int
	Progress runtime.Progress

	// Plan skips solving: the given plan is replayed against the scenario
	// and used if it is safe.
	Plan *plan.Plan

	// Driver opens the network to execute on. Nil runs on the simulator
	// built from the scenario.
	Driver     func(ctx context.Context, sc *scenario.Scenario) (driver.Driver, error)
	DriverName string

	// Audit, when set, records every command applied to the driver.
	Audit audit.Logger
}

func (c Config) loopChecking(sc *scenario.Scenario) plan.LoopChecking {
	if c.LoopChecking != "" {
		return c.LoopChecking
	}
	return sc.LoopChecking()
}

func firstDuration(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}

// Plan builds the initial network of sc, derives the commands of the
// change and computes a validated plan, or replays cfg.Plan. The returned
// experiment is never nil; on error its outcome says why planning stopped.
func Plan(ctx context.Context, sc *scenario.Scenario, cfg Config) (*Experiment, *bgp.Network, error) {
	e := &Experiment{Name: sc.Name, Scenario: sc.Path, Started: time.Now()}
	log := util.WithField("scenario", sc.Name)

	n, err := sc.Network(ctx)
	if err != nil {
		e.SetError(err)
		return e, nil, err
	}
	e.Before = n.Forwarding()

	if cfg.Plan != nil {
		rep, err := decompose.Validate(ctx, n, sc.Spec(), cfg.Plan)
		if err != nil {
			e.SetError(err)
			return e, n, err
		}
		e.Plan = cfg.Plan
		e.Metrics = cfg.Plan.Metrics
		e.After = rep.States[len(rep.States)-1]
		e.Outcome = OutcomePlanned
		log.Infof("replayed %d rounds, peak table size %d", len(cfg.Plan.Rounds), rep.PeakTableSize)
		return e, n, nil
	}

	g, err := command.NewBuilder(n, sc.Spec()).Build(ctx, sc.Change)
	if err != nil {
		e.SetError(err)
		return e, n, err
	}
	log.Debugf("built %d commands, %d edges", len(g.Commands), len(g.Edges))

	solver := decompose.NewSolver(n, decompose.Options{
		LoopChecking: cfg.loopChecking(sc),
		Timeout:      firstDuration(cfg.SolveTimeout, sc.SolveTimeout()),
		Workers:      cfg.SolverWorkers,
	})
	p, err := solver.Solve(ctx, g)
	if err != nil {
		e.SetError(err)
		return e, n, err
	}
	e.Plan = p
	e.Metrics = p.Metrics
	e.After = p.Target
	e.Outcome = OutcomePlanned
	log.Infof("planned %d rounds, %d commands, %d temporary sessions",
		p.Metrics.Rounds, p.Metrics.Commands, p.Metrics.TempSessions)
	return e, n, nil
}

// Run plans sc and executes the plan. The experiment is returned even on
// error, with the partial execution record when the run aborted.
func Run(ctx context.Context, sc *scenario.Scenario, cfg Config) (*Experiment, error) {
	e, n, err := Plan(ctx, sc, cfg)
	if err != nil {
		return e, err
	}

	var d driver.Driver
	if cfg.Driver != nil {
		e.Driver = cfg.DriverName
		d, err = cfg.Driver(ctx, sc)
	} else {
		e.Driver = "sim"
		d = sim.New(n, sc.SimOptions()...)
	}
	if err != nil {
		e.SetError(err)
		return e, err
	}
	if cfg.Audit != nil {
		d = audit.Wrap(d, cfg.Audit, sc.Name, e.Driver)
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			util.WithField("scenario", sc.Name).Warnf("closing driver: %v", cerr)
		}
	}()

	ctrl := runtime.New(d, runtime.Options{
		CommandTimeout: firstDuration(cfg.CommandTimeout, sc.CommandTimeout()),
		Timeout:        cfg.Timeout,
		Workers:        cfg.Workers,
		Progress:       cfg.Progress,
	})
	rec, err := ctrl.Execute(ctx, e.Plan)
	e.Record = rec
	if rec != nil && rec.Final != nil {
		e.After = rec.Final
	}
	if err != nil {
		e.SetError(err)
		return e, err
	}
	e.Outcome = OutcomeSucceeded
	return e, nil
}
