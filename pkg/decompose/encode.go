package decompose

import (
	"fmt"
	"sort"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/ilp"
	"github.com/newtron-network/newtshift/pkg/model"
)

// cut forbids a set of orderings: for at least one of its pairs (a, b), a
// must move strictly before b.
type cut struct {
	name   string
	reason command.Reason
	pairs  [][2]model.RouterID
}

func (c cut) same(o cut) bool {
	if len(c.pairs) != len(o.pairs) {
		return false
	}
	for i := range c.pairs {
		if c.pairs[i] != o.pairs[i] {
			return false
		}
	}
	return true
}

// precedence is an ordering constraint a + 1 ≤ b recorded to derive the
// happens-before edges of the solved plan.
type precedence struct {
	before, after ilp.Var
	reason        command.Reason
	when          []ilp.Literal
}

// problem is the integer program of one prefix. Every changing router is
// mapped to the level at which its forwarding changes. Routers that move
// with a neighbor or with the main command share that variable.
type problem struct {
	t     *command.Transition
	m     *ilp.Model
	main  ilp.Var
	span  ilp.Var
	vars  map[model.RouterID]ilp.Var
	own   map[model.RouterID]bool
	tOld  map[model.RouterID]ilp.Var
	tNew  map[model.RouterID]ilp.Var
	prec  []precedence
	disj  [][]precedence
	temps []ilp.Var
}

// encode builds the program of transition t. With strict set, every
// potential transient loop becomes a disjunction.
func encode(t *command.Transition, strict bool, w Weights, cuts []cut) *problem {
	p := &problem{
		t:    t,
		m:    ilp.NewModel(),
		vars: make(map[model.RouterID]ilp.Var),
		own:  make(map[model.RouterID]bool),
		tOld: make(map[model.RouterID]ilp.Var),
		tNew: make(map[model.RouterID]ilp.Var),
	}
	horizon := len(t.Changes) + 1
	p.main = p.m.NewVar("main", 0, horizon)
	p.span = p.m.NewVar("span", 0, horizon)
	p.m.Add(ilp.Before("span/main", p.main, p.span, 0))

	for _, c := range t.Changes {
		if c.Coupled || (c.Follower && c.TempOld == nil && c.TempNew == nil) {
			continue
		}
		r := c.Router
		p.vars[r] = p.m.NewVar("y/"+string(r), 0, horizon)
		p.own[r] = true
		p.m.Add(ilp.Before("span/"+string(r), p.vars[r], p.span, 0))
		if c.TempOld != nil {
			p.tOld[r] = p.m.NewBool("temp-old/" + string(r))
			p.temps = append(p.temps, p.tOld[r])
		}
		if c.TempNew != nil {
			p.tNew[r] = p.m.NewBool("temp-new/" + string(r))
			p.temps = append(p.temps, p.tNew[r])
		}
	}
	for _, c := range t.Changes {
		if !p.own[c.Router] {
			p.vars[c.Router] = p.resolve(c.Router)
		}
	}

	for _, c := range t.Changes {
		if p.own[c.Router] {
			p.router(c)
		}
	}

	if strict {
		for i, l := range t.Loops {
			var pairs [][2]model.RouterID
			for _, o := range l.Old {
				for _, n := range l.New {
					pairs = append(pairs, [2]model.RouterID{o, n})
				}
			}
			p.cut(cut{name: fmt.Sprintf("loop/%d", i), reason: command.ReasonLoop, pairs: pairs})
		}
	}
	for _, c := range cuts {
		p.cut(c)
	}

	objective := []ilp.Term{{Var: p.span, Coef: w.Rounds}}
	var tieBreak []ilp.Term
	for _, v := range p.temps {
		objective = append(objective, ilp.Term{Var: v, Coef: w.TempSessions + w.TableSize})
		tieBreak = append(tieBreak, ilp.Term{Var: v, Coef: 1})
	}
	p.m.Minimize(objective, tieBreak)
	return p
}

// resolve returns the variable of a router without one of its own: the
// variable of the router it follows, or the main command's.
func (p *problem) resolve(r model.RouterID) ilp.Var {
	seen := make(map[model.RouterID]bool)
	for cur := r; ; {
		if p.own[cur] {
			return p.vars[cur]
		}
		c := p.t.Change(cur)
		if c == nil || c.Coupled || c.Trigger == "" || seen[cur] {
			return p.main
		}
		seen[cur] = true
		cur = c.Trigger
	}
}

func (p *problem) varOf(r model.RouterID) (ilp.Var, bool) {
	v, ok := p.vars[r]
	return v, ok
}

// order adds a + 1 ≤ b, enforced when every literal holds.
func (p *problem) order(name string, a, b ilp.Var, reason command.Reason, when ...ilp.Literal) {
	if a == b {
		return
	}
	p.m.Add(ilp.Before(name, a, b, 1).Guard(when...))
	p.prec = append(p.prec, precedence{before: a, after: b, reason: reason, when: when})
}

// router adds the constraints of one router with its own variable.
func (p *problem) router(c *command.Change) {
	r := c.Router
	y := p.vars[r]
	name := string(r)
	tOld, hasOld := p.tOld[r]
	tNew, hasNew := p.tNew[r]
	lit := func(v ilp.Var, val int) ilp.Literal { return ilp.Literal{Var: v, Value: val} }

	if hasOld && hasNew {
		p.m.Add(ilp.Constraint{Name: "one-temp/" + name, Terms: []ilp.Term{{Var: tOld, Coef: 1}, {Var: tNew, Coef: 1}}, Bound: 1})
	}

	// Side of the main command.
	var sides [][]ilp.Literal
	if c.Follower {
		if hasOld {
			sides = append(sides, []ilp.Literal{lit(tOld, 1)})
		}
		if hasNew {
			sides = append(sides, []ilp.Literal{lit(tNew, 1)})
		}
	} else {
		sides = [][]ilp.Literal{nil}
	}
	for _, when := range sides {
		if p.t.Placement == command.MainFirst {
			p.order("main-first/"+name, p.main, y, command.ReasonPropagation, when...)
		} else {
			p.order("main-last/"+name, y, p.main, command.ReasonPropagation, when...)
		}
	}

	// A follower without a temporary session moves with its trigger.
	if c.Follower {
		trig, ok := p.varOf(c.Trigger)
		if !ok {
			trig = p.main
		}
		var none []ilp.Literal
		if hasOld {
			none = append(none, lit(tOld, 0))
		}
		if hasNew {
			none = append(none, lit(tNew, 0))
		}
		if trig != y {
			for _, eq := range ilp.Equal("follow/"+name, y, trig, none...) {
				p.m.Add(eq)
			}
		}
	}

	// Leave the old neighbor before it changes its route, unless the old
	// route is held over a temporary session.
	if from, ok := p.varOf(c.OldFrom); ok {
		var when []ilp.Literal
		if hasOld {
			when = append(when, lit(tOld, 0))
		}
		if c.Follower {
			if hasNew {
				p.order("old-direct/"+name, y, from, command.ReasonPropagation, append(when, lit(tNew, 1))...)
			}
		} else {
			p.order("old-direct/"+name, y, from, command.ReasonPropagation, when...)
		}
	}

	// Take the new route only once the new neighbor has it, unless it is
	// learned over a temporary session.
	if from, ok := p.varOf(c.NewFrom); ok {
		var when []ilp.Literal
		if hasNew {
			when = append(when, lit(tNew, 0))
		}
		if c.Follower {
			if hasOld {
				p.order("new-direct/"+name, from, y, command.ReasonPropagation, append(when, lit(tOld, 1))...)
			}
		} else {
			p.order("new-direct/"+name, from, y, command.ReasonPropagation, when...)
		}
	}

	// A temporary session is only useful while its provider still has the
	// old route, or once it has the new one.
	if hasOld {
		if eg, ok := p.varOf(c.TempOld.Provider); ok {
			p.order("temp-old/"+name, y, eg, command.ReasonPropagation, lit(tOld, 1))
		}
	}
	if hasNew {
		if eg, ok := p.varOf(c.TempNew.Provider); ok {
			p.order("temp-new/"+name, eg, y, command.ReasonPropagation, lit(tNew, 1))
		}
	}
}

// cut adds a disjunction over the pairs of c. Pairs whose routers share a
// variable can never be ordered and are dropped. A cut left without options
// makes the program infeasible.
func (p *problem) cut(c cut) {
	var (
		options []ilp.Constraint
		precs   []precedence
	)
	for _, pair := range c.pairs {
		a, okA := p.varOf(pair[0])
		b, okB := p.varOf(pair[1])
		if !okA || !okB || a == b {
			continue
		}
		options = append(options, ilp.Before(c.name, a, b, 1))
		precs = append(precs, precedence{before: a, after: b, reason: c.reason})
	}
	p.m.AddDisjunction(ilp.Disjunction{Name: c.name, Options: options})
	p.disj = append(p.disj, precs)
}

// schedule is a solved prefix: which optional commands are used and the
// level of every switch.
type schedule struct {
	prefix    model.Prefix
	selected  map[command.ID]bool
	level     map[command.ID]int
	main      int
	objective int
	temps     int
	nodes     int
	optimal   bool
	edges     []command.Dependency
}

// decode turns a solution into a schedule.
func (p *problem) decode(g *command.Graph, sol *ilp.Solution) *schedule {
	s := &schedule{
		prefix:    p.t.Prefix,
		selected:  map[command.ID]bool{command.MainID: true},
		level:     make(map[command.ID]int),
		main:      sol.Value(p.main),
		objective: sol.Objective,
		temps:     sol.TieBreak,
		nodes:     sol.Nodes,
		optimal:   sol.Optimal,
	}
	at := map[ilp.Var][]command.ID{p.main: {command.MainID}}
	pick := func(ids ...command.ID) {
		for _, id := range ids {
			if id != "" {
				s.selected[id] = true
			}
		}
	}
	for _, c := range p.t.Changes {
		pick(c.Pin, c.Clear)
		if !p.own[c.Router] {
			continue
		}
		y := p.vars[c.Router]
		useOld := c.TempOld != nil && sol.Bool(p.tOld[c.Router])
		useNew := c.TempNew != nil && sol.Bool(p.tNew[c.Router])
		var sw command.ID
		switch {
		case useNew:
			pick(c.TempNew.Add, c.TempNew.Remove)
			sw = c.TempNew.Switch
		case !c.Follower || useOld:
			sw = c.Switch
		}
		if useOld {
			pick(c.TempOld.Add, c.TempOld.Use, c.TempOld.Remove)
		}
		if sw != "" {
			pick(sw)
			s.level[sw] = sol.Value(y)
			at[y] = append(at[y], sw)
		}
	}

	holds := func(pr precedence) bool {
		for _, l := range pr.when {
			if sol.Value(l.Var) != l.Value {
				return false
			}
		}
		return sol.Value(pr.before)+1 <= sol.Value(pr.after)
	}
	link := func(pr precedence) {
		for _, a := range at[pr.before] {
			for _, b := range at[pr.after] {
				s.edges = append(s.edges, command.Dependency{Before: a, After: b, Reason: pr.reason})
			}
		}
	}
	for _, pr := range p.prec {
		if holds(pr) {
			link(pr)
		}
	}
	for _, options := range p.disj {
		for _, pr := range options {
			if holds(pr) {
				link(pr)
				break
			}
		}
	}

	// Preferences are only cleared once every router of the prefix moved.
	var clears, movers []command.ID
	for id := range s.selected {
		switch g.Commands[id].Kind {
		case command.KindClear:
			clears = append(clears, id)
		case command.KindSwitch, command.KindMain:
			movers = append(movers, id)
		}
	}
	sort.Slice(clears, func(i, j int) bool { return clears[i] < clears[j] })
	sort.Slice(movers, func(i, j int) bool { return movers[i] < movers[j] })
	for _, m := range movers {
		for _, c := range clears {
			s.edges = append(s.edges, command.Dependency{Before: m, After: c, Reason: command.ReasonStructural})
		}
	}
	return s
}
