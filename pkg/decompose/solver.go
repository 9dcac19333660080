// Package decompose turns a command graph into a plan. Each prefix is
// formulated as an integer program over the level at which every changing
// router moves, the levels are merged into global rounds, and the result is
// replayed on a simulated network. Replay failures become ordering cuts and
// the affected prefix is solved again.
package decompose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/ilp"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/util"
)

const (
	DefaultMaxCutIterations = 16
	DefaultRoundDuration    = 5 * time.Second
)

// Weights of the objective. Table size is approximated by the routes the
// temporary sessions add.
type Weights struct {
	Rounds       int `json:"rounds"`
	TempSessions int `json:"temp_sessions"`
	TableSize    int `json:"table_size"`
}

// DefaultWeights returns the weights used when none are given.
func DefaultWeights() Weights {
	return Weights{Rounds: 1, TempSessions: 2, TableSize: 1}
}

// Options configure a Solver.
type Options struct {
	LoopChecking plan.LoopChecking
	// Timeout bounds the whole planning, validation replays included.
	Timeout time.Duration
	// Workers is the number of programs solved at the same time.
	Workers int
	// NodeLimit bounds the search of one program. 0 means unbounded.
	NodeLimit        int
	Weights          Weights
	MaxCutIterations int
	// RoundDuration is the expected time of one round, for estimates.
	RoundDuration time.Duration
	// Backend overrides the branch-and-bound backend.
	Backend ilp.Backend
}

// Solver computes plans. It is safe for concurrent use.
type Solver struct {
	engine model.Engine
	opts   Options
	pool   *ilp.Pool
}

// NewSolver creates a solver validating against engine, which must hold
// the converged network before the change. engine is cloned, never
// modified.
func NewSolver(engine model.Engine, opts Options) *Solver {
	if opts.LoopChecking == "" {
		opts.LoopChecking = plan.LoopStrict
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	if opts.MaxCutIterations <= 0 {
		opts.MaxCutIterations = DefaultMaxCutIterations
	}
	if opts.RoundDuration <= 0 {
		opts.RoundDuration = DefaultRoundDuration
	}
	backend := opts.Backend
	if backend == nil {
		backend = &ilp.BranchAndBound{NodeLimit: opts.NodeLimit}
	}
	return &Solver{engine: engine, opts: opts, pool: ilp.NewPool(backend, opts.Workers)}
}

// Pool returns the backend pool.
func (s *Solver) Pool() *ilp.Pool {
	return s.pool
}

// Solve computes a validated plan for g. It fails with ErrPlanInfeasible
// when no round assignment survives validation and with ErrTimeout when the
// time budget runs out. No partial plan is returned.
func (s *Solver) Solve(ctx context.Context, g *command.Graph) (*plan.Plan, error) {
	start := time.Now()
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	cuts := make([][]cut, len(g.Transitions))
	scheds := make([]*schedule, len(g.Transitions))
	dirty := make([]int, len(g.Transitions))
	for i := range dirty {
		dirty[i] = i
	}

	for iter := 0; ; iter++ {
		if err := s.solveAll(ctx, g, cuts, scheds, dirty); err != nil {
			return nil, s.fail(err)
		}
		p := assemble(g, scheds, s.opts.LoopChecking)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("assembled plan is malformed: %w", err)
		}
		rep, err := replay(ctx, s.engine, g.Spec, p)
		if err != nil {
			return nil, s.fail(err)
		}
		f := rep.Failure
		if f == nil {
			s.metrics(p, g, scheds, rep, iter, time.Since(start))
			util.WithFields(logrus.Fields{
				"rounds":        p.Metrics.Rounds,
				"commands":      p.Metrics.Commands,
				"temp_sessions": p.Metrics.TempSessions,
				"cuts":          iter,
			}).Info("Plan computed")
			return p, nil
		}
		if iter >= s.opts.MaxCutIterations {
			return nil, util.NewInfeasibleError(string(f.Prefix), "validation still fails after %d cuts: %s", iter, f)
		}
		i, c, ok := cutFor(g, f)
		if !ok {
			return nil, util.NewInfeasibleError(string(f.Prefix), "%s", f)
		}
		for _, prev := range cuts[i] {
			if prev.same(c) {
				return nil, util.NewInfeasibleError(string(f.Prefix), "%s persists after ordering cut", f)
			}
		}
		c.name = fmt.Sprintf("validation/%d", len(cuts[i]))
		cuts[i] = append(cuts[i], c)
		dirty = []int{i}
		util.WithPrefix(string(f.Prefix)).WithField("pairs", len(c.pairs)).Infof("Replay failed in round %d, adding ordering cut: %s", f.Round, f)
	}
}

// solveAll solves the prefixes in idx concurrently through the pool.
func (s *Solver) solveAll(ctx context.Context, g *command.Graph, cuts [][]cut, scheds []*schedule, idx []int) error {
	strict := s.opts.LoopChecking != plan.LoopRelaxed
	eg, ctx := errgroup.WithContext(ctx)
	for _, i := range idx {
		eg.Go(func() error {
			t := g.Transitions[i]
			prob := encode(t, strict, s.opts.Weights, cuts[i])
			vars, cons, disj := prob.m.Stats()
			log := util.WithPrefix(string(t.Prefix))
			log.WithFields(logrus.Fields{
				"vars":         vars,
				"constraints":  cons,
				"disjunctions": disj,
			}).Debug("Solving prefix")

			sol, err := s.pool.Solve(ctx, prob.m)
			switch {
			case errors.Is(err, ilp.ErrInfeasible):
				return util.NewInfeasibleError(string(t.Prefix),
					"no round assignment satisfies %d constraints and %d loop or validation cuts", cons, disj)
			case errors.Is(err, ilp.ErrNodeLimit):
				return util.NewTimeoutError(fmt.Sprintf("solving %s within %d nodes", t.Prefix, s.opts.NodeLimit), 0)
			case err != nil:
				return err
			}
			scheds[i] = prob.decode(g, sol)
			log.WithFields(logrus.Fields{
				"levels":        sol.Value(prob.span) + 1,
				"temp_sessions": sol.TieBreak,
				"nodes":         sol.Nodes,
				"optimal":       sol.Optimal,
			}).Debug("Prefix solved")
			return nil
		})
	}
	return eg.Wait()
}

// fail maps context expiry to a timeout error.
func (s *Solver) fail(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return util.NewTimeoutError("planning", s.opts.Timeout)
	}
	return err
}

func (s *Solver) metrics(p *plan.Plan, g *command.Graph, scheds []*schedule, rep *Replay, iter int, elapsed time.Duration) {
	m := &p.Metrics
	for _, sc := range scheds {
		if sc != nil && !sc.optimal {
			m.Suboptimal = append(m.Suboptimal, sc.prefix)
		}
	}
	m.Rounds = len(p.Rounds)
	m.Commands = len(p.Commands)
	m.TempSessions = p.TempSessions()
	m.Prefixes = len(g.Transitions)
	m.TableSize = g.Before.TableSize()
	m.PeakTableSize = rep.PeakTableSize
	m.Messages = rep.Messages
	m.CutIterations = iter
	m.SolveTime = elapsed
	m.EstimatedTime = time.Duration(m.Rounds) * s.opts.RoundDuration
	w := s.opts.Weights
	m.Cost = w.Rounds*m.Rounds + w.TempSessions*m.TempSessions + w.TableSize*max(0, m.PeakTableSize-m.TableSize)
}

// assemble merges the per-prefix schedules into global rounds: pins, new
// temporary sessions, routes held over them, the levels before the main
// command, the main command, the levels after it, cleared preferences and
// removed temporary sessions. Empty rounds are dropped.
func assemble(g *command.Graph, scheds []*schedule, lc plan.LoopChecking) *plan.Plan {
	p := &plan.Plan{
		Change:       g.Main,
		LoopChecking: lc,
		Commands:     make(map[command.ID]*command.Command),
		Target:       g.After.Forwarding.Clone(),
	}
	selected := map[command.ID]bool{command.MainID: true}
	before := make(map[command.ID]int)
	after := make(map[command.ID]int)
	nBefore, nAfter := 0, 0
	for _, s := range scheds {
		for id := range s.selected {
			selected[id] = true
		}
		var below, above []int
		for _, l := range s.level {
			if l < s.main {
				below = append(below, l)
			} else {
				above = append(above, l)
			}
		}
		slices.Sort(below)
		below = slices.Compact(below)
		slices.Sort(above)
		above = slices.Compact(above)
		for id, l := range s.level {
			if l < s.main {
				before[id] = slices.Index(below, l)
			} else {
				after[id] = slices.Index(above, l)
			}
		}
		nBefore = max(nBefore, len(below))
		nAfter = max(nAfter, len(above))
	}

	type bucket struct {
		phase plan.Phase
		ids   []command.ID
	}
	var (
		pins      = &bucket{phase: plan.PhasePin}
		setups    = &bucket{phase: plan.PhaseSetup}
		holds     = &bucket{phase: plan.PhaseHold}
		mains     = &bucket{phase: plan.PhaseMain}
		clears    = &bucket{phase: plan.PhaseClear}
		teardowns = &bucket{phase: plan.PhaseTeardown}
		pre       = make([]*bucket, nBefore)
		post      = make([]*bucket, nAfter)
	)
	for i := range pre {
		pre[i] = &bucket{phase: plan.PhaseBeforeMain}
	}
	for i := range post {
		post[i] = &bucket{phase: plan.PhaseAfterMain}
	}
	for id := range selected {
		c := g.Commands[id]
		p.Commands[id] = c
		var b *bucket
		switch c.Kind {
		case command.KindPin:
			b = pins
		case command.KindAddTemp:
			b = setups
		case command.KindUseTemp:
			b = holds
		case command.KindMain:
			b = mains
		case command.KindClear:
			b = clears
		case command.KindRemoveTemp:
			b = teardowns
		case command.KindSwitch:
			if i, ok := before[id]; ok {
				b = pre[i]
			} else {
				b = post[after[id]]
			}
		}
		b.ids = append(b.ids, id)
	}

	order := []*bucket{pins, setups, holds}
	order = append(order, pre...)
	order = append(order, mains)
	order = append(order, post...)
	order = append(order, clears, teardowns)
	for _, b := range order {
		if len(b.ids) == 0 {
			continue
		}
		sort.Slice(b.ids, func(i, j int) bool { return b.ids[i] < b.ids[j] })
		p.Rounds = append(p.Rounds, plan.Round{Index: len(p.Rounds) + 1, Phase: b.phase, Commands: b.ids})
	}

	type key struct{ before, after command.ID }
	seen := make(map[key]bool)
	addEdge := func(e command.Dependency) {
		k := key{e.Before, e.After}
		if seen[k] || e.Before == e.After {
			return
		}
		seen[k] = true
		p.Edges = append(p.Edges, e)
	}
	for _, e := range g.EdgesAmong(selected) {
		addEdge(e)
	}
	for _, s := range scheds {
		for _, e := range s.edges {
			addEdge(e)
		}
	}
	return p
}
