package decompose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtshift/internal/testutil"
	"github.com/newtron-network/newtshift/pkg/bgp"
	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/ilp"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/spec"
	"github.com/newtron-network/newtshift/pkg/util"
)

type fixture struct {
	net   *bgp.Network
	graph *command.Graph
	sc    testutil.Scenario
}

func setup(t *testing.T, s testutil.Scenario) *fixture {
	t.Helper()
	ctx := testutil.Context(t)
	n, err := bgp.Build(ctx, s.Routers, s.Links, s.Config)
	if err != nil {
		t.Fatalf("bgp.Build() = %v", err)
	}
	g, err := command.NewBuilder(n, s.Spec).Build(ctx, s.Change)
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	return &fixture{net: n, graph: g, sc: s}
}

func (f *fixture) solve(t *testing.T, opts Options) *plan.Plan {
	t.Helper()
	p, err := NewSolver(f.net, opts).Solve(testutil.Context(t), f.graph)
	if err != nil {
		t.Fatalf("Solve() = %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("plan.Validate() = %v", err)
	}
	return p
}

// assertOrder checks that every id runs in a strictly later round than the
// one before it.
func assertOrder(t *testing.T, p *plan.Plan, ids ...command.ID) {
	t.Helper()
	for i := 1; i < len(ids); i++ {
		a, b := p.RoundOf(ids[i-1]), p.RoundOf(ids[i])
		if a == 0 || b == 0 {
			t.Errorf("%s in round %d, %s in round %d: both must be planned", ids[i-1], a, ids[i], b)
			continue
		}
		if a >= b {
			t.Errorf("%s in round %d, want before %s in round %d", ids[i-1], a, ids[i], b)
		}
	}
}

func (f *fixture) change(r model.RouterID) *command.Change {
	return f.graph.Transitions[0].Change(r)
}

// ===== Solve =====

func TestSolveDelBestRouteStrict(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	p := f.solve(t, Options{})

	if p.LoopChecking != plan.LoopStrict {
		t.Errorf("LoopChecking = %s, want strict", p.LoopChecking)
	}
	if p.TempSessions() != 1 {
		t.Fatalf("TempSessions() = %d, want 1", p.TempSessions())
	}
	c := f.change("c")
	if p.Command(c.TempNew.Switch) == nil {
		t.Fatalf("c does not move over the temporary session from b2")
	}
	assertOrder(t, p, f.change("b2").Switch, c.TempNew.Switch, f.change("rr").Switch, f.change("b1").Switch, command.MainID)
	assertOrder(t, p, c.TempNew.Add, command.MainID, c.TempNew.Remove)

	if p.Rounds[0].Phase != plan.PhasePin {
		t.Errorf("first round is %s, want pin", p.Rounds[0].Phase)
	}
	if last := p.Rounds[len(p.Rounds)-1]; last.Phase != plan.PhaseTeardown {
		t.Errorf("last round is %s, want teardown", last.Phase)
	}
	if diff := cmp.Diff(f.sc.After, testutil.ForwardingOf(p.Target)); diff != "" {
		t.Errorf("target (-want +got):\n%s", diff)
	}

	m := p.Metrics
	if m.Rounds != len(p.Rounds) || m.Commands != len(p.Commands) || m.TempSessions != 1 || m.Prefixes != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.EstimatedTime != time.Duration(m.Rounds)*DefaultRoundDuration {
		t.Errorf("EstimatedTime = %v", m.EstimatedTime)
	}
	if m.PeakTableSize < m.TableSize {
		t.Errorf("PeakTableSize = %d below TableSize = %d", m.PeakTableSize, m.TableSize)
	}
}

func TestSolveDelBestRouteRelaxed(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	p := f.solve(t, Options{LoopChecking: plan.LoopRelaxed})

	if p.LoopChecking != plan.LoopRelaxed {
		t.Errorf("LoopChecking = %s, want relaxed", p.LoopChecking)
	}
	if p.TempSessions() != 0 {
		t.Errorf("TempSessions() = %d, want 0", p.TempSessions())
	}
	assertOrder(t, p, f.change("b2").Switch, f.change("rr").Switch, f.change("b1").Switch, command.MainID)

	strict := f.solve(t, Options{})
	if len(p.Rounds) >= len(strict.Rounds) {
		t.Errorf("relaxed plan has %d rounds, strict %d: want fewer", len(p.Rounds), len(strict.Rounds))
	}
}

func TestSolveNewBestRoute(t *testing.T) {
	f := setup(t, testutil.NewBestRoute())
	p := f.solve(t, Options{})

	c := f.change("c")
	if p.Command(c.TempNew.Switch) == nil {
		t.Fatalf("c does not move over the temporary session from b2")
	}
	assertOrder(t, p, command.MainID, f.change("b2").Switch, c.TempNew.Switch, f.change("rr").Switch, f.change("b1").Switch)
	assertOrder(t, p, c.TempNew.Add, c.TempNew.Switch, c.TempNew.Remove)
}

func TestSolveWaypoint(t *testing.T) {
	f := setup(t, testutil.WaypointDelBestRoute())
	p := f.solve(t, Options{})

	if p.TempSessions() != 1 {
		t.Fatalf("TempSessions() = %d, want 1", p.TempSessions())
	}
	c := f.change("c")
	assertOrder(t, p, c.TempNew.Add, c.TempNew.Switch, command.MainID, c.TempNew.Remove)

	rep, err := Validate(testutil.Context(t), f.net, f.graph.Spec, p)
	if err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	cs := f.graph.Spec.Constraints
	waypoint := &spec.Specification{Constraints: cs[len(cs)-1:]}
	if waypoint.Constraints[0].Kind != spec.KindWaypoint {
		t.Fatalf("last constraint is %s, want the waypoint", waypoint.Constraints[0])
	}
	checker := spec.NewChecker(waypoint, f.net.Snapshot().IsExternal)
	for i, st := range rep.States {
		if v := checker.Check(st, true); len(v) != 0 {
			t.Errorf("state %d: %v", i, v)
		}
		if i > 0 {
			if v := checker.CheckTransient(rep.States[i-1], st, true); len(v) != 0 {
				t.Errorf("round %d: %v", i, v)
			}
		}
	}
	if diff := cmp.Diff(f.sc.After, testutil.ForwardingOf(rep.States[len(rep.States)-1])); diff != "" {
		t.Errorf("final forwarding (-want +got):\n%s", diff)
	}
}

func switchEgress(from, to model.RouterID) spec.Constraint {
	return spec.Constraint{
		Router: "c", Prefix: testutil.Prefix, Kind: spec.KindSwitchEgress,
		From: []model.RouterID{from}, Egress: []model.RouterID{to}, Scope: spec.ScopeAlways,
	}
}

func TestSolveSwitchEgress(t *testing.T) {
	s := testutil.DelBestRoute()
	s.Spec.Constraints = append(s.Spec.Constraints, switchEgress("x1", "x2"))
	f := setup(t, s)
	p := f.solve(t, Options{})
	if _, err := Validate(testutil.Context(t), f.net, f.graph.Spec, p); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	// Read the other way round, c starts out on its new egress and must
	// never go back to x2.
	reversed := &spec.Specification{Constraints: append(append([]spec.Constraint(nil), f.graph.Spec.Constraints...), switchEgress("x2", "x1"))}
	_, err := Validate(testutil.Context(t), f.net, reversed, p)
	var re *ReplayError
	if !errors.As(err, &re) {
		t.Fatalf("Validate() = %v, want a replay failure", err)
	}
	if v := re.Failure.Violation; v == nil || v.Reason != spec.ReasonWrongEgress || v.Constraint.Kind != spec.KindSwitchEgress {
		t.Errorf("failure = %s, want the switch back to x2", re.Failure)
	}
}

func TestSolveIsDeterministic(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	a := f.solve(t, Options{})
	b := f.solve(t, Options{Workers: 4})
	if diff := cmp.Diff(a.Rounds, b.Rounds); diff != "" {
		t.Errorf("rounds differ between runs (-first +second):\n%s", diff)
	}
}

func TestSolveEdgesRespectRounds(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	p := f.solve(t, Options{})
	if len(p.Edges) == 0 {
		t.Fatal("plan has no edges")
	}
	for _, e := range p.Edges {
		if p.RoundOf(e.Before) >= p.RoundOf(e.After) {
			t.Errorf("edge %s goes from round %d to %d", e, p.RoundOf(e.Before), p.RoundOf(e.After))
		}
	}
	for _, r := range p.Rounds {
		for _, id := range r.Commands {
			for _, pred := range p.Predecessors(id) {
				if p.RoundOf(pred) >= r.Index {
					t.Errorf("%s in round %d depends on %s in round %d", id, r.Index, pred, p.RoundOf(pred))
				}
			}
		}
	}
}

// ===== Failures =====

type blocking struct{}

func (blocking) Solve(ctx context.Context, _ *ilp.Model) (*ilp.Solution, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type failing struct{ err error }

func (b failing) Solve(context.Context, *ilp.Model) (*ilp.Solution, error) {
	return nil, b.err
}

func TestSolveErrors(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"timeout", Options{Timeout: 20 * time.Millisecond, Backend: blocking{}}, util.ErrTimeout},
		{"infeasible", Options{Backend: failing{ilp.ErrInfeasible}}, util.ErrPlanInfeasible},
		{"node limit", Options{Backend: failing{ilp.ErrNodeLimit}, NodeLimit: 10}, util.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewSolver(f.net, tt.opts).Solve(testutil.Context(t), f.graph)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Solve() = %v, want %v", err, tt.want)
			}
			if p != nil {
				t.Error("Solve() returned a partial plan")
			}
		})
	}
}

// stopped runs branch and bound and reports the search as cut short.
type stopped struct{}

func (stopped) Solve(ctx context.Context, m *ilp.Model) (*ilp.Solution, error) {
	sol, err := (&ilp.BranchAndBound{}).Solve(ctx, m)
	if sol != nil {
		sol.Optimal = false
	}
	return sol, err
}

func TestSolveReportsSuboptimalPrefixes(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	if got := f.solve(t, Options{}).Metrics.Suboptimal; len(got) != 0 {
		t.Errorf("Suboptimal = %v, want none", got)
	}
	p := f.solve(t, Options{Backend: stopped{}})
	if diff := cmp.Diff([]model.Prefix{testutil.Prefix}, p.Metrics.Suboptimal); diff != "" {
		t.Errorf("Suboptimal (-want +got):\n%s", diff)
	}
}

func TestSolveUsesBoundedPool(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	s := NewSolver(f.net, Options{Workers: 1})
	if _, err := s.Solve(testutil.Context(t), f.graph); err != nil {
		t.Fatalf("Solve() = %v", err)
	}
	if s.Pool().Size() != 1 || s.Pool().Peak() != 1 {
		t.Errorf("pool size %d, peak %d, want 1 and 1", s.Pool().Size(), s.Pool().Peak())
	}
}

// ===== Validate =====

func TestValidateSolvedPlan(t *testing.T) {
	for _, lc := range []plan.LoopChecking{plan.LoopStrict, plan.LoopRelaxed} {
		t.Run(string(lc), func(t *testing.T) {
			f := setup(t, testutil.DelBestRoute())
			p := f.solve(t, Options{LoopChecking: lc})

			first, err := Validate(testutil.Context(t), f.net, f.graph.Spec, p)
			if err != nil {
				t.Fatalf("Validate() = %v", err)
			}
			second, err := Validate(testutil.Context(t), f.net, f.graph.Spec, p)
			if err != nil {
				t.Fatalf("second Validate() = %v", err)
			}
			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("Validate() is not repeatable (-first +second):\n%s", diff)
			}
			if len(first.States) != len(p.Rounds)+1 {
				t.Errorf("got %d states, want %d", len(first.States), len(p.Rounds)+1)
			}
			if diff := cmp.Diff(f.sc.After, testutil.ForwardingOf(first.States[len(first.States)-1])); diff != "" {
				t.Errorf("final forwarding (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(f.sc.Before, testutil.ForwardingOf(f.net.Forwarding())); diff != "" {
				t.Errorf("Validate() modified the engine (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateRejectsSingleRound(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	p := f.solve(t, Options{})

	var all []command.ID
	for _, r := range p.Rounds {
		all = append(all, r.Commands...)
	}
	p.Rounds = []plan.Round{{Index: 1, Phase: plan.PhaseMain, Commands: all}}
	p.Edges = nil

	rep, err := Validate(testutil.Context(t), f.net, f.graph.Spec, p)
	if !errors.Is(err, util.ErrValidationFailed) {
		t.Fatalf("Validate() = %v, want validation failure", err)
	}
	var re *ReplayError
	if !errors.As(err, &re) || re.Failure.Round != 1 {
		t.Fatalf("Validate() = %v, want failure in round 1", err)
	}
	if rep == nil || rep.Failure == nil {
		t.Error("Validate() returned no replay with the failure")
	}
}

// ===== Cuts =====

func TestCutFor(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	viol := &spec.Violation{
		Constraint: spec.Constraint{Router: "b2", Prefix: testutil.Prefix, Kind: spec.KindReachable},
		Reason:     spec.ReasonLoop,
		Path: []spec.Hop{
			{Router: "b2", Next: "c", Side: spec.SideOld},
			{Router: "c", Next: "b2", Side: spec.SideNew},
			{Router: "x9", Next: "c", Side: spec.SideNew},
		},
	}
	tests := []struct {
		name    string
		failure *Failure
		want    [][2]model.RouterID
		ok      bool
	}{
		{"violation", &Failure{Prefix: testutil.Prefix, Violation: viol}, [][2]model.RouterID{{"b2", "c"}}, true},
		{"missing route", &Failure{Prefix: testutil.Prefix, Condition: &command.Condition{
			Kind: command.CondAvailableRoute, Router: "c", Prefix: testutil.Prefix, Neighbor: "rr",
		}}, [][2]model.RouterID{{"rr", "c"}}, true},
		{"session", &Failure{Prefix: testutil.Prefix, Condition: &command.Condition{
			Kind: command.CondSession, Router: "c", Neighbor: "b2",
		}}, nil, false},
		{"unknown prefix", &Failure{Prefix: "192.0.2.0/24", Violation: viol}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c, ok := cutFor(f.graph, tt.failure)
			if ok != tt.ok {
				t.Fatalf("cutFor() ok = %v, want %v", ok, tt.ok)
			}
			if diff := cmp.Diff(tt.want, c.pairs); diff != "" {
				t.Errorf("pairs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeLoopDisjunctions(t *testing.T) {
	f := setup(t, testutil.DelBestRoute())
	tr := f.graph.Transitions[0]

	_, _, strict := encode(tr, true, DefaultWeights(), nil).m.Stats()
	if strict != len(tr.Loops) {
		t.Errorf("strict program has %d disjunctions, want %d", strict, len(tr.Loops))
	}
	_, _, relaxed := encode(tr, false, DefaultWeights(), nil).m.Stats()
	if relaxed != 0 {
		t.Errorf("relaxed program has %d disjunctions, want 0", relaxed)
	}
	cuts := []cut{{name: "validation/0", reason: command.ReasonValidation, pairs: [][2]model.RouterID{{"rr", "b1"}}}}
	_, _, withCut := encode(tr, false, DefaultWeights(), cuts).m.Stats()
	if withCut != 1 {
		t.Errorf("program with one cut has %d disjunctions, want 1", withCut)
	}
}
