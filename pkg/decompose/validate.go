package decompose

import (
	"context"
	"fmt"
	"sort"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/spec"
	"github.com/newtron-network/newtshift/pkg/util"
)

// Failure is the first problem a replay ran into.
type Failure struct {
	Round   int          `json:"round"`
	Prefix  model.Prefix `json:"prefix,omitempty"`
	Command command.ID   `json:"command,omitempty"`
	// Condition is the failed pre- or postcondition of Command.
	Condition *command.Condition `json:"condition,omitempty"`
	Violation *spec.Violation    `json:"violation,omitempty"`
	Reason    string             `json:"reason"`
}

func (f *Failure) String() string {
	switch {
	case f.Condition != nil:
		return fmt.Sprintf("%s: %s of %s: %s", f.Reason, f.Command, f.Prefix, f.Condition)
	case f.Violation != nil:
		return fmt.Sprintf("%s: %s", f.Reason, f.Violation)
	}
	return f.Reason
}

// Replay is the outcome of replaying a plan on a simulated network.
type Replay struct {
	// States[0] is the initial forwarding state, States[i] the state after
	// round i.
	States        []model.ForwardingState `json:"states"`
	PeakTableSize int                     `json:"peak_table_size"`
	Messages      int                     `json:"messages"`
	Failure       *Failure                `json:"failure,omitempty"`
}

// ReplayError is returned by Validate when a plan does not survive replay.
type ReplayError struct {
	Failure *Failure
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("plan replay failed in round %d: %s", e.Failure.Round, e.Failure)
}

func (e *ReplayError) Unwrap() error {
	return util.ErrValidationFailed
}

// Validate replays p on a copy of engine, which must hold the converged
// network before the change, and checks sp at every round boundary and over
// every state between two consecutive boundaries. It returns a ReplayError
// when the plan is unsafe. Validating the same plan twice gives the same
// result.
func Validate(ctx context.Context, engine model.Engine, sp *spec.Specification, p *plan.Plan) (*Replay, error) {
	rep, err := replay(ctx, engine, sp, p)
	if err != nil {
		return nil, err
	}
	if rep.Failure != nil {
		return rep, &ReplayError{Failure: rep.Failure}
	}
	return rep, nil
}

// replay applies the rounds of p one by one. Commands of a round are checked
// against the state at the start of the round, applied together and then
// the network converges. The returned error is reserved for failures of the
// engine itself; an unsafe plan is reported through Replay.Failure.
func replay(ctx context.Context, engine model.Engine, sp *spec.Specification, p *plan.Plan) (*Replay, error) {
	eng := engine.Clone()
	prev := eng.Snapshot()
	checker := spec.NewChecker(sp, prev.IsExternal)
	checker.Advance(prev.Forwarding)
	loops := p.LoopChecking != plan.LoopRelaxed
	rep := &Replay{
		States:        []model.ForwardingState{prev.Forwarding},
		PeakTableSize: prev.TableSize(),
	}
	fail := func(f *Failure) (*Replay, error) {
		rep.Failure = f
		return rep, nil
	}

	for _, r := range p.Rounds {
		for _, id := range r.Commands {
			c := p.Commands[id]
			if failing := c.Pre.Failing(prev); len(failing) > 0 {
				return fail(conditionFailure(r.Index, c, failing[0], "precondition failed"))
			}
		}
		for _, id := range r.Commands {
			for _, m := range p.Commands[id].Modifiers {
				if err := eng.Apply(m); err != nil {
					return nil, fmt.Errorf("round %d: %s: %w", r.Index, id, err)
				}
			}
		}
		stats, err := eng.Converge(ctx)
		rep.Messages += stats.Messages
		rep.PeakTableSize = max(rep.PeakTableSize, stats.MaxRoutes)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", r.Index, err)
		}
		cur := eng.Snapshot()
		rep.States = append(rep.States, cur.Forwarding)

		for _, id := range r.Commands {
			c := p.Commands[id]
			if failing := c.Post.Failing(cur); len(failing) > 0 {
				return fail(conditionFailure(r.Index, c, failing[0], "postcondition failed"))
			}
		}
		if vs := checker.CheckTransient(prev.Forwarding, cur.Forwarding, loops); len(vs) > 0 {
			return fail(&Failure{Round: r.Index, Prefix: vs[0].Constraint.Prefix, Violation: &vs[0], Reason: "transient violation"})
		}
		if vs := checker.Check(cur.Forwarding, false); len(vs) > 0 {
			return fail(&Failure{Round: r.Index, Prefix: vs[0].Constraint.Prefix, Violation: &vs[0], Reason: "violation after round"})
		}
		checker.Advance(cur.Forwarding)
		prev = cur
	}

	last := len(p.Rounds)
	if vs := checker.Check(prev.Forwarding, true); len(vs) > 0 {
		return fail(&Failure{Round: last, Prefix: vs[0].Constraint.Prefix, Violation: &vs[0], Reason: "target state violation"})
	}
	if p.Target != nil {
		if diff := prev.Forwarding.Diff(p.Target); len(diff) > 0 {
			var prefix model.Prefix
			for pfx := range diff {
				if prefix == "" || pfx < prefix {
					prefix = pfx
				}
			}
			return fail(&Failure{Round: last, Prefix: prefix, Reason: fmt.Sprintf("final forwarding differs from the target: %v", diff[prefix])})
		}
	}
	return rep, nil
}

func conditionFailure(round int, c *command.Command, cond command.Condition, reason string) *Failure {
	prefix := cond.Prefix
	if prefix == "" {
		prefix = c.Prefix
	}
	return &Failure{Round: round, Prefix: prefix, Command: c.ID, Condition: &cond, Reason: reason}
}

// cutFor derives the ordering that would have avoided f: some router that
// still used its old next hop must move before a router that already used
// its new one. A missing route becomes "the neighbor moves first". It
// returns the index of the prefix and false when no ordering can help.
func cutFor(g *command.Graph, f *Failure) (int, cut, bool) {
	idx := -1
	for i, t := range g.Transitions {
		if t.Prefix == f.Prefix {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, cut{}, false
	}
	t := g.Transitions[idx]
	changing := func(r model.RouterID) bool { return t.Change(r) != nil }

	var pairs [][2]model.RouterID
	switch {
	case f.Violation != nil:
		olds, news := f.Violation.Routers()
		for _, o := range olds {
			for _, n := range news {
				if o != n && changing(o) && changing(n) {
					pairs = append(pairs, [2]model.RouterID{o, n})
				}
			}
		}
	case f.Condition != nil && f.Condition.Kind == command.CondAvailableRoute:
		nb, r := f.Condition.Neighbor, f.Condition.Router
		if changing(nb) && changing(r) {
			pairs = append(pairs, [2]model.RouterID{nb, r})
		}
	}
	if len(pairs) == 0 {
		return idx, cut{}, false
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return idx, cut{reason: command.ReasonValidation, pairs: pairs}, true
}
