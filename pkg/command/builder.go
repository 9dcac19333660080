package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/spec"
	"github.com/newtron-network/newtshift/pkg/util"
)

// maxLoopRisks bounds the number of union cycles kept per prefix.
const maxLoopRisks = 4096

// Builder derives the command graph of a reconfiguration from the network
// before the change and the specification.
type Builder struct {
	engine model.Engine
	spec   *spec.Specification
}

// NewBuilder creates a builder. engine holds the converged network before the
// change; it is cloned, never modified.
func NewBuilder(engine model.Engine, s *spec.Specification) *Builder {
	return &Builder{engine: engine, spec: s}
}

// Build simulates change to obtain the target state and derives every
// command and hard dependency needed to move from the current state to it.
// It fails with ErrUnsatisfiable when no ordering can satisfy the
// specification.
func (b *Builder) Build(ctx context.Context, change []model.Modifier) (*Graph, error) {
	if len(change) == 0 {
		return nil, fmt.Errorf("no configuration change given: %w", util.ErrInvalidConfig)
	}
	before := b.engine.Snapshot()
	target := b.engine.Clone()
	for _, m := range change {
		if err := target.Apply(m); err != nil {
			return nil, fmt.Errorf("applying %s: %w", m, err)
		}
	}
	if _, err := target.Converge(ctx); err != nil {
		return nil, fmt.Errorf("converging target state: %w", err)
	}
	after := target.Snapshot()

	if err := b.check(before, after); err != nil {
		return nil, err
	}

	g := newGraph()
	g.Before, g.After, g.Main, g.Spec = before, after, change, b.spec
	g.add(&Command{ID: MainID, Kind: KindMain, Modifiers: change, Post: mainPost(change)})

	internal := internalRouters(before)
	covered := make(map[model.Prefix]bool)
	for _, p := range b.spec.Prefixes() {
		covered[p] = true
	}
	diff := before.Forwarding.Diff(after.Forwarding)
	for _, p := range unionPrefixes(before, after) {
		if !covered[p] {
			if len(diff[p]) > 0 {
				g.Uncovered = append(g.Uncovered, p)
			}
			continue
		}
		t := b.transition(g, p, internal)
		if len(t.Changes) == 0 {
			continue
		}
		g.Transitions = append(g.Transitions, t)
	}

	if err := b.place(ctx, g, internal); err != nil {
		return nil, err
	}
	for _, t := range g.Transitions {
		t.Loops = loopRisks(t, internal)
		g.structuralEdges(t)
		util.WithPrefix(string(t.Prefix)).WithFields(logrus.Fields{
			"changes":   len(t.Changes),
			"placement": t.Placement,
			"loops":     len(t.Loops),
		}).Debug("Transition derived")
	}
	g.mainEffects()

	if _, err := TopoSort(g.IDs(), g.Edges); err != nil {
		return nil, err
	}
	util.WithFields(logrus.Fields{
		"commands":  len(g.Commands),
		"edges":     len(g.Edges),
		"prefixes":  len(g.Transitions),
		"uncovered": len(g.Uncovered),
	}).Info("Command graph built")
	return g, nil
}

// check rejects inputs for which no plan can exist: a specification that
// does not match the network, or one that the initial or the target state
// already violates.
func (b *Builder) check(before, after *model.Snapshot) error {
	if err := b.spec.Validate(before.Routers); err != nil {
		var ve *util.ValidationError
		if errors.As(err, &ve) {
			return util.NewUnsatisfiableError(ve.Errors...)
		}
		return err
	}
	if !slices.Equal(before.RouterSet(), after.RouterSet()) {
		return util.NewUnsatisfiableError("the change alters the set of routers")
	}
	checker := spec.NewChecker(b.spec, before.IsExternal)
	var reasons []string
	for _, v := range checker.Check(before.Forwarding, false) {
		reasons = append(reasons, "initial state: "+v.String())
	}
	for _, v := range checker.Check(after.Forwarding, true) {
		reasons = append(reasons, "target state: "+v.String())
	}
	if len(reasons) > 0 {
		return util.NewUnsatisfiableError(reasons...)
	}
	return nil
}

// transition derives the changes of one prefix and their commands.
func (b *Builder) transition(g *Graph, p model.Prefix, internal []model.RouterID) *Transition {
	before, after := g.Before, g.After
	t := &Transition{
		Prefix: p,
		Before: make(map[model.RouterID]model.RouterID, len(internal)),
		After:  make(map[model.RouterID]model.RouterID, len(internal)),
	}
	for _, r := range internal {
		t.Before[r] = before.Forwarding.NextHop(r, p)
		t.After[r] = after.Forwarding.NextHop(r, p)
	}

	for _, r := range internal {
		oldRt, hadOld := before.BestRoute(r, p)
		newRt, hasNew := after.BestRoute(r, p)
		sameRoute := hadOld == hasNew && (!hadOld || (oldRt.From == newRt.From && oldRt.SameRoute(newRt)))
		if t.Before[r] == t.After[r] && sameRoute {
			continue
		}
		c := &Change{Router: r, Delta: model.Delta{Router: r, Old: t.Before[r], New: t.After[r]}}
		if hadOld {
			c.OldFrom, c.OldEgress = oldRt.From, egress(oldRt)
		}
		if hasNew {
			c.NewFrom, c.NewEgress = newRt.From, egress(newRt)
		}
		c.Follower = !hadOld || !hasNew || c.OldFrom == c.NewFrom
		t.Changes = append(t.Changes, c)
	}

	for _, c := range t.Changes {
		if c.Follower {
			n := c.OldFrom
			if n == "" {
				n = c.NewFrom
			}
			if n != "" && !before.IsExternal(n) && t.Change(n) != nil {
				c.Trigger = n
			}
		}
		b.commands(g, t, c)
	}
	return t
}

// egress returns the border router a route leaves through, or "" when the
// router selecting it is the border itself.
func egress(rt model.Route) model.RouterID {
	if rt.FromType == model.SessionEBGP {
		return ""
	}
	return rt.NextHop
}

// commands creates the commands of one change.
func (b *Builder) commands(g *Graph, t *Transition, c *Change) {
	r, p := c.Router, t.Prefix
	oldRt, _ := g.Before.BestRoute(r, p)
	newRt, _ := g.After.BestRoute(r, p)

	if c.OldFrom != "" {
		c.Pin = g.add(&Command{
			ID: pinID(r, p), Kind: KindPin, Router: r, Neighbor: c.OldFrom, Prefix: p,
			Modifiers: []model.Modifier{setWeight(r, c.OldFrom, p, WeightPin)},
			Pre:       Conditions{selected(r, p, c.OldFrom)},
			Post:      Conditions{selected(r, p, c.OldFrom)},
		}).ID
	}

	tempOld := c.OldFrom != "" && c.OldEgress != "" && c.OldEgress != c.OldFrom &&
		b.tempAllowed(g, r, c.OldEgress) && (!c.Follower || (c.Trigger != "" && c.NewFrom != ""))
	tempNew := c.NewFrom != "" && c.NewEgress != "" && c.NewEgress != c.NewFrom &&
		b.tempAllowed(g, r, c.NewEgress) && (!c.Follower || (c.Trigger != "" && c.OldFrom != ""))

	// A follower only needs a switch of its own when a temporary session
	// decouples it from its trigger.
	if c.NewFrom != "" && (!c.Follower || tempOld) {
		c.Switch = g.add(&Command{
			ID: switchID(r, c.NewFrom, p), Kind: KindSwitch, Router: r, Neighbor: c.NewFrom, Prefix: p,
			Modifiers: []model.Modifier{setWeight(r, c.NewFrom, p, WeightSwitch)},
			Pre:       Conditions{available(r, p, c.NewFrom, newRt.NextHop)},
			Post:      Conditions{selected(r, p, c.NewFrom), forwarding(r, p, c.Delta.New)},
			Effects:   []model.Delta{c.Delta},
		}).ID
	}
	if tempOld {
		c.TempOld = g.tempOption(r, c.OldEgress)
		c.TempOld.Use = g.add(&Command{
			ID: useTempID(r, p), Kind: KindUseTemp, Router: r, Neighbor: c.OldEgress, Prefix: p,
			Modifiers: []model.Modifier{setWeight(r, c.OldEgress, p, WeightTemp)},
			Pre:       Conditions{available(r, p, c.OldEgress, oldRt.NextHop)},
			Post:      Conditions{selected(r, p, c.OldEgress), forwarding(r, p, c.Delta.Old)},
			Temporary: true,
		}).ID
	}
	if tempNew {
		c.TempNew = g.tempOption(r, c.NewEgress)
		c.TempNew.Switch = g.add(&Command{
			ID: switchID(r, c.NewEgress, p), Kind: KindSwitch, Router: r, Neighbor: c.NewEgress, Prefix: p,
			Modifiers: []model.Modifier{setWeight(r, c.NewEgress, p, WeightSwitch)},
			Pre:       Conditions{available(r, p, c.NewEgress, newRt.NextHop)},
			Post:      Conditions{selected(r, p, c.NewEgress), forwarding(r, p, c.Delta.New)},
			Temporary: true,
			Effects:   []model.Delta{c.Delta},
		}).ID
	}

	if c.OldFrom != "" {
		var mods []model.Modifier
		seen := make(map[model.RouterID]bool)
		for _, nb := range []model.RouterID{c.OldFrom, c.NewFrom, c.OldEgress, c.NewEgress} {
			if nb == "" || seen[nb] {
				continue
			}
			if nb != c.OldFrom && nb != c.NewFrom && !(c.TempOld != nil && nb == c.OldEgress) && !(c.TempNew != nil && nb == c.NewEgress) {
				continue
			}
			seen[nb] = true
			mods = append(mods, model.Modifier{Kind: model.ModClearWeight, A: r, B: nb, Prefix: p})
		}
		c.Clear = g.add(&Command{
			ID: clearID(r, p), Kind: KindClear, Router: r, Prefix: p,
			Modifiers: mods,
			Post:      Conditions{forwarding(r, p, c.Delta.New)},
		}).ID
	}
}

// tempAllowed reports whether a temporary session from provider to r can be
// created: provider is internal and the two routers do not peer already.
func (b *Builder) tempAllowed(g *Graph, r, provider model.RouterID) bool {
	return provider != r && !g.Before.IsExternal(provider) &&
		!g.Before.HasSession(r, provider) && !g.After.HasSession(r, provider)
}

// tempOption returns the shared add and remove commands of the temporary
// session from provider to r.
func (g *Graph) tempOption(r, provider model.RouterID) *TempOption {
	sess := model.Modifier{Kind: model.ModAddSession, A: provider, B: r, SessionType: model.SessionTemporary}
	add := g.add(&Command{
		ID: addTempID(provider, r), Kind: KindAddTemp, Router: r, Neighbor: provider,
		Modifiers: []model.Modifier{sess},
		Post:      Conditions{{Kind: CondSession, Router: r, Neighbor: provider}},
		Temporary: true,
	})
	remove := g.add(&Command{
		ID: removeTempID(provider, r), Kind: KindRemoveTemp, Router: r, Neighbor: provider,
		Modifiers: []model.Modifier{sess.Inverse()},
		Post:      Conditions{{Kind: CondNoSession, Router: r, Neighbor: provider}},
		Temporary: true,
	})
	return &TempOption{Provider: provider, Add: add.ID, Remove: remove.ID}
}

// place decides per prefix whether the main command can run before the
// switches. The network is pinned, the change applied, and the result
// compared: main-first works when no pinned router lost its route and every
// router that moved reached its target.
func (b *Builder) place(ctx context.Context, g *Graph, internal []model.RouterID) error {
	if len(g.Transitions) == 0 {
		return nil
	}
	eng := b.engine.Clone()
	for _, t := range g.Transitions {
		for _, c := range t.Changes {
			if c.Pin == "" {
				continue
			}
			for _, m := range g.Commands[c.Pin].Modifiers {
				if err := eng.Apply(m); err != nil {
					return fmt.Errorf("pinning %s: %w", c.Router, err)
				}
			}
		}
	}
	if _, err := eng.Converge(ctx); err != nil {
		return fmt.Errorf("converging pinned state: %w", err)
	}
	if d := g.Before.Forwarding.Diff(eng.Snapshot().Forwarding); len(d) > 0 {
		return util.NewUnsatisfiableError(fmt.Sprintf("pinning the current routes changes forwarding of %d prefixes", len(d)))
	}
	for _, m := range g.Main {
		if err := eng.Apply(m); err != nil {
			return fmt.Errorf("applying %s: %w", m, err)
		}
	}
	if _, err := eng.Converge(ctx); err != nil {
		return fmt.Errorf("converging pinned state after change: %w", err)
	}
	mid := eng.Snapshot()

	for _, t := range g.Transitions {
		t.Placement = MainLast
		var coupled []*Change
		ok := true
		for _, r := range internal {
			nh := mid.Forwarding.NextHop(r, t.Prefix)
			c := t.Change(r)
			if c == nil {
				ok = ok && nh == t.Before[r]
				continue
			}
			rt, has := mid.BestRoute(r, t.Prefix)
			pinned := c.OldFrom != "" && has && rt.From == c.OldFrom && nh == c.Delta.Old
			switch {
			case pinned && !(c.Follower && c.Trigger == ""):
			case c.Follower && nh == c.Delta.New:
				coupled = append(coupled, c)
			default:
				ok = false
			}
		}
		if !ok {
			continue
		}
		t.Placement = MainFirst
		for _, c := range coupled {
			c.Coupled = true
		}
	}
	return nil
}

// loopRisks classifies the union cycles of a transition. Cycles that use no
// old or no new next hop exist in a single state and were rejected earlier.
func loopRisks(t *Transition, internal []model.RouterID) []LoopRisk {
	var out []LoopRisk
	for _, cycle := range unionCycles(internal, t.Before, t.After) {
		risk := LoopRisk{Cycle: cycle}
		for i, u := range cycle {
			v := cycle[(i+1)%len(cycle)]
			switch {
			case t.Before[u] == v && t.After[u] == v:
			case t.Before[u] == v:
				risk.Old = append(risk.Old, u)
			case t.After[u] == v:
				risk.New = append(risk.New, u)
			}
		}
		if len(risk.Old) == 0 || len(risk.New) == 0 {
			continue
		}
		out = append(out, risk)
		if len(out) >= maxLoopRisks {
			util.WithPrefix(string(t.Prefix)).Warnf("More than %d potential loops, ignoring the rest", maxLoopRisks)
			break
		}
	}
	return out
}

// structuralEdges adds the hard dependencies between the commands of one
// prefix. They hold whatever schedule the solver picks.
func (g *Graph) structuralEdges(t *Transition) {
	for _, c := range t.Changes {
		switches := []ID{c.Switch}
		if c.TempNew != nil {
			switches = append(switches, c.TempNew.Switch)
			g.edge(c.Pin, c.TempNew.Add, ReasonStructural)
			g.edge(c.TempNew.Add, c.TempNew.Switch, ReasonStructural)
			g.edge(c.Clear, c.TempNew.Remove, ReasonStructural)
		}
		if c.TempOld != nil {
			g.edge(c.Pin, c.TempOld.Add, ReasonStructural)
			g.edge(c.TempOld.Add, c.TempOld.Use, ReasonStructural)
			g.edge(c.Pin, c.TempOld.Use, ReasonStructural)
			g.edge(c.TempOld.Use, MainID, ReasonStructural)
			g.edge(c.Clear, c.TempOld.Remove, ReasonStructural)
			for _, s := range switches {
				g.edge(c.TempOld.Use, s, ReasonStructural)
			}
		}
		g.edge(c.Pin, MainID, ReasonStructural)
		g.edge(MainID, c.Clear, ReasonStructural)
		for _, s := range switches {
			g.edge(c.Pin, s, ReasonStructural)
			g.edge(s, c.Clear, ReasonStructural)
		}
	}
}

// mainEffects records the forwarding changes that ride on the main command.
func (g *Graph) mainEffects() {
	main := g.Commands[MainID]
	for _, t := range g.Transitions {
		for _, c := range t.Changes {
			if c.Coupled || (c.Follower && c.Trigger == "") {
				main.Effects = append(main.Effects, c.Delta)
			}
		}
	}
}

func mainPost(change []model.Modifier) Conditions {
	var out Conditions
	for _, m := range change {
		switch m.Kind {
		case model.ModAddSession:
			out = append(out, Condition{Kind: CondSession, Router: m.A, Neighbor: m.B})
		case model.ModRemoveSession:
			out = append(out, Condition{Kind: CondNoSession, Router: m.A, Neighbor: m.B})
		}
	}
	return out
}

func setWeight(r, nb model.RouterID, p model.Prefix, w int) model.Modifier {
	return model.Modifier{Kind: model.ModSetWeight, A: r, B: nb, Prefix: p, Value: w}
}

func selected(r model.RouterID, p model.Prefix, from model.RouterID) Condition {
	return Condition{Kind: CondSelectedRoute, Router: r, Prefix: p, Neighbor: from}
}

func available(r model.RouterID, p model.Prefix, from, nextHop model.RouterID) Condition {
	return Condition{Kind: CondAvailableRoute, Router: r, Prefix: p, Neighbor: from, NextHop: nextHop}
}

func forwarding(r model.RouterID, p model.Prefix, nh model.RouterID) Condition {
	return Condition{Kind: CondForwarding, Router: r, Prefix: p, NextHop: nh}
}

func internalRouters(s *model.Snapshot) []model.RouterID {
	var out []model.RouterID
	for _, r := range s.Routers {
		if !r.IsExternal() {
			out = append(out, r.ID)
		}
	}
	slices.Sort(out)
	return out
}

func unionPrefixes(a, b *model.Snapshot) []model.Prefix {
	out := append(a.Prefixes(), b.Prefixes()...)
	slices.Sort(out)
	return slices.Compact(out)
}
