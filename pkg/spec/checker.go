package spec

import (
	"fmt"
	"strings"

	"github.com/newtron-network/newtshift/pkg/model"
)

// Reason classifies a violation.
type Reason string

const (
	ReasonBlackHole      Reason = "black-hole"
	ReasonLoop           Reason = "loop"
	ReasonWaypointMissed Reason = "waypoint-missed"
	ReasonWrongEgress    Reason = "wrong-egress"
)

// Side tells which next hop of a router a transient path took.
type Side string

const (
	SideStable Side = "stable"
	SideOld    Side = "old"
	SideNew    Side = "new"
)

// Hop is one step of a violating path.
type Hop struct {
	Router model.RouterID `json:"router"`
	Next   model.RouterID `json:"next"`
	Side   Side           `json:"side"`
}

// Violation is a constraint that fails on some forwarding path.
type Violation struct {
	Constraint Constraint `json:"constraint"`
	Reason     Reason     `json:"reason"`
	Path       []Hop      `json:"path"`
}

// Routers returns the routers on the path that took their old and their new
// next hop respectively.
func (v Violation) Routers() (olds, news []model.RouterID) {
	for _, h := range v.Path {
		switch h.Side {
		case SideOld:
			olds = append(olds, h.Router)
		case SideNew:
			news = append(news, h.Router)
		}
	}
	return olds, news
}

func (v Violation) String() string {
	parts := make([]string, 0, len(v.Path)+1)
	for _, h := range v.Path {
		if h.Side == SideStable {
			parts = append(parts, string(h.Router))
		} else {
			parts = append(parts, fmt.Sprintf("%s(%s)", h.Router, h.Side))
		}
	}
	if n := len(v.Path); n > 0 {
		last := v.Path[n-1].Next
		if last == "" {
			last = "-"
		}
		parts = append(parts, string(last))
	}
	return fmt.Sprintf("%s: %s along %s", v.Constraint, v.Reason, strings.Join(parts, " > "))
}

// Checker evaluates a specification on forwarding states. A checker used
// across the rounds of one replay tracks switch-egress constraints through
// Advance.
type Checker struct {
	spec     *Specification
	terminal func(model.RouterID) bool
	switched map[int]bool
}

// NewChecker creates a checker. terminal reports whether a router is an
// exit point of the AS (an external router).
func NewChecker(s *Specification, terminal func(model.RouterID) bool) *Checker {
	return &Checker{spec: s, terminal: terminal, switched: make(map[int]bool)}
}

// Check evaluates the constraints on one state. With final set, target-only
// constraints are evaluated too.
func (c *Checker) Check(fw model.ForwardingState, final bool) []Violation {
	var out []Violation
	for i, con := range c.spec.Constraints {
		if !final && !con.Transient() {
			continue
		}
		if v := c.newExplorer(i, con, fw, fw, true, final).check(); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// CheckTransient evaluates the transient constraints on every state in
// which each router forwards along either its before or its after next hop.
// With loops unset, cycles through routers that change are not reported.
func (c *Checker) CheckTransient(before, after model.ForwardingState, loops bool) []Violation {
	var out []Violation
	for i, con := range c.spec.Constraints {
		if !con.Transient() {
			continue
		}
		if v := c.newExplorer(i, con, before, after, loops, false).check(); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// Advance records fw as the latest settled state. Once the path of a
// switch-egress constraint leaves through its new egress and none of its
// old ones, the old egress routers are no longer accepted.
func (c *Checker) Advance(fw model.ForwardingState) {
	for i, con := range c.spec.Constraints {
		if con.Kind != KindSwitchEgress || c.switched[i] {
			continue
		}
		border, exit, ok := c.exitOf(fw, con.Router, con.Prefix)
		if !ok {
			continue
		}
		toNew := contains(con.Egress, exit) || contains(con.Egress, border)
		toOld := contains(con.From, exit) || contains(con.From, border)
		if toNew && !toOld {
			c.switched[i] = true
		}
	}
}

// Switched reports whether constraint i already moved to its new egress.
func (c *Checker) Switched(i int) bool {
	return c.switched[i]
}

// exitOf follows the single-state path of r and returns the last internal
// router and the external router it leaves through.
func (c *Checker) exitOf(fw model.ForwardingState, r model.RouterID, p model.Prefix) (border, exit model.RouterID, ok bool) {
	seen := make(map[model.RouterID]bool)
	for !c.terminal(r) {
		nh := fw.NextHop(r, p)
		if nh == "" || seen[r] {
			return "", "", false
		}
		seen[r] = true
		border, r = r, nh
	}
	return border, r, true
}

func (c *Checker) newExplorer(i int, con Constraint, before, after model.ForwardingState, loops, final bool) *explorer {
	e := &explorer{
		con:      con,
		before:   before,
		after:    after,
		loops:    loops,
		terminal: c.terminal,
	}
	switch con.Kind {
	case KindEgress:
		e.exits = con.Egress
	case KindSwitchEgress:
		e.exits = con.Egress
		if !final && !c.switched[i] {
			e.exits = append(append([]model.RouterID(nil), con.From...), con.Egress...)
		}
	}
	return e
}

// explorer searches the union of the before and after next hops of one
// prefix. Every router on a simple path of that graph can take either of
// its next hops independently, so a violating path exists in some mixed
// state exactly when the union graph has one. Each search is a linear walk.
type explorer struct {
	con      Constraint
	before   model.ForwardingState
	after    model.ForwardingState
	loops    bool
	terminal func(model.RouterID) bool
	// exits are the accepted egress routers, nil when any exit will do.
	exits []model.RouterID
}

type edge struct {
	next model.RouterID
	side Side
}

func (e *explorer) edges(r model.RouterID) []edge {
	oldNH := e.before.NextHop(r, e.con.Prefix)
	newNH := e.after.NextHop(r, e.con.Prefix)
	if oldNH == newNH {
		return []edge{{oldNH, SideStable}}
	}
	return []edge{{oldNH, SideOld}, {newNH, SideNew}}
}

func (e *explorer) check() *Violation {
	if v := e.exitViolation(); v != nil {
		return v
	}
	if e.con.Kind == KindWaypoint {
		if v := e.bypass(); v != nil {
			return v
		}
	}
	if e.loops {
		return e.anyCycle()
	}
	return e.stableCycle()
}

// reach walks the union graph breadth first from the constrained router,
// never entering routers for which skip holds and never leaving external
// routers. It returns the routers in visit order and, for each one but the
// first, the hop that reached it.
func (e *explorer) reach(skip func(model.RouterID) bool) ([]model.RouterID, map[model.RouterID]Hop) {
	start := e.con.Router
	order := []model.RouterID{start}
	via := make(map[model.RouterID]Hop)
	seen := map[model.RouterID]bool{start: true}
	for i := 0; i < len(order); i++ {
		r := order[i]
		if e.terminal(r) {
			continue
		}
		for _, ed := range e.edges(r) {
			if ed.next == "" || seen[ed.next] || (skip != nil && skip(ed.next)) {
				continue
			}
			seen[ed.next] = true
			via[ed.next] = Hop{Router: r, Next: ed.next, Side: ed.side}
			order = append(order, ed.next)
		}
	}
	return order, via
}

// pathTo rebuilds the hops from the constrained router to r.
func (e *explorer) pathTo(via map[model.RouterID]Hop, r model.RouterID) []Hop {
	var rev []Hop
	for r != e.con.Router {
		h := via[r]
		rev = append(rev, h)
		r = h.Router
	}
	path := make([]Hop, len(rev))
	for i, h := range rev {
		path[len(rev)-1-i] = h
	}
	return path
}

func (e *explorer) violation(reason Reason, path []Hop) *Violation {
	return &Violation{Constraint: e.con, Reason: reason, Path: path}
}

// exitViolation finds a reachable router without a next hop, or an exit
// through an egress the constraint does not accept.
func (e *explorer) exitViolation() *Violation {
	order, via := e.reach(nil)
	for _, r := range order {
		if e.terminal(r) {
			continue
		}
		for _, ed := range e.edges(r) {
			hop := Hop{Router: r, Next: ed.next, Side: ed.side}
			switch {
			case ed.next == "":
				if e.con.Kind != KindLoopFree {
					return e.violation(ReasonBlackHole, append(e.pathTo(via, r), hop))
				}
			case e.exits != nil && e.terminal(ed.next):
				if !contains(e.exits, ed.next) && !contains(e.exits, r) {
					return e.violation(ReasonWrongEgress, append(e.pathTo(via, r), hop))
				}
			}
		}
	}
	return nil
}

// bypass finds an exit reachable without crossing a waypoint.
func (e *explorer) bypass() *Violation {
	if contains(e.con.Waypoints, e.con.Router) {
		return nil
	}
	order, via := e.reach(func(r model.RouterID) bool { return contains(e.con.Waypoints, r) })
	for _, r := range order[1:] {
		if e.terminal(r) {
			return e.violation(ReasonWaypointMissed, e.pathTo(via, r))
		}
	}
	return nil
}

// anyCycle finds a cycle reachable in the union graph with a depth-first
// search. The path on the stack is simple, so the cycle closes a lasso in
// which every router takes one of its next hops.
func (e *explorer) anyCycle() *Violation {
	const (
		white = iota
		grey
		black
	)
	color := make(map[model.RouterID]int)
	var path []Hop
	var visit func(r model.RouterID) *Violation
	visit = func(r model.RouterID) *Violation {
		color[r] = grey
		for _, ed := range e.edges(r) {
			if ed.next == "" || e.terminal(ed.next) {
				continue
			}
			path = append(path, Hop{Router: r, Next: ed.next, Side: ed.side})
			switch color[ed.next] {
			case grey:
				return e.violation(ReasonLoop, append([]Hop(nil), path...))
			case white:
				if v := visit(ed.next); v != nil {
					return v
				}
			}
			path = path[:len(path)-1]
		}
		color[r] = black
		return nil
	}
	return visit(e.con.Router)
}

// stableCycle finds a reachable cycle of routers that do not change, a loop
// that also exists in a single state.
func (e *explorer) stableCycle() *Violation {
	order, via := e.reach(nil)
	index := make(map[model.RouterID]int, len(order))
	for i, r := range order {
		index[r] = i
	}
	succ := func(r model.RouterID) (model.RouterID, bool) {
		if e.terminal(r) {
			return "", false
		}
		ed := e.edges(r)
		if len(ed) != 1 || ed[0].next == "" {
			return "", false
		}
		return ed[0].next, true
	}

	done := make(map[model.RouterID]bool)
	for _, r := range order {
		walk := make(map[model.RouterID]int)
		var chain []model.RouterID
		cur := r
		for !done[cur] {
			if at, ok := walk[cur]; ok {
				return e.loopAlong(via, index, chain[at:])
			}
			walk[cur] = len(chain)
			chain = append(chain, cur)
			next, ok := succ(cur)
			if !ok {
				break
			}
			cur = next
		}
		for _, c := range chain {
			done[c] = true
		}
	}
	return nil
}

// loopAlong reports the stable cycle through the routers of cycle, entered
// at the one closest to the constrained router.
func (e *explorer) loopAlong(via map[model.RouterID]Hop, index map[model.RouterID]int, cycle []model.RouterID) *Violation {
	entry := 0
	for i, r := range cycle {
		if index[r] < index[cycle[entry]] {
			entry = i
		}
	}
	path := e.pathTo(via, cycle[entry])
	for k := 0; k < len(cycle); k++ {
		r := cycle[(entry+k)%len(cycle)]
		next := cycle[(entry+k+1)%len(cycle)]
		path = append(path, Hop{Router: r, Next: next, Side: SideStable})
	}
	return e.violation(ReasonLoop, path)
}

func contains(ids []model.RouterID, id model.RouterID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
