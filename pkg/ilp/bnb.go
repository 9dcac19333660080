package ilp

import (
	"context"
	"errors"
)

// BranchAndBound is a depth-first branch-and-bound backend with bounds
// propagation. Guard literals are branched first (value 0 first), then
// open disjunctions, then the remaining variables.
type BranchAndBound struct {
	// NodeLimit stops the search after that many nodes. 0 means no limit.
	NodeLimit int
}

// ErrNodeLimit is returned when NodeLimit is reached before any solution
// was found.
var ErrNodeLimit = errors.New("ilp: node limit reached")

type domain struct {
	lo, hi []int
	// choice[i] is the option picked for disjunction i, or -1.
	choice []int
}

func (d *domain) clone() *domain {
	return &domain{
		lo:     append([]int(nil), d.lo...),
		hi:     append([]int(nil), d.hi...),
		choice: append([]int(nil), d.choice...),
	}
}

func (d *domain) fixed(v Var) bool { return d.lo[v] == d.hi[v] }

// literal returns 1 if l surely holds, 0 if it surely fails, -1 otherwise.
func (d *domain) literal(l Literal) int {
	switch {
	case l.Value < d.lo[l.Var] || l.Value > d.hi[l.Var]:
		return 0
	case d.fixed(l.Var):
		return 1
	}
	return -1
}

// minSum is the smallest value Σ terms can take.
func (d *domain) minSum(terms []Term) int {
	s := 0
	for _, t := range terms {
		if t.Coef > 0 {
			s += t.Coef * d.lo[t.Var]
		} else {
			s += t.Coef * d.hi[t.Var]
		}
	}
	return s
}

// tighten narrows the bounds so that Σ terms ≤ bound can still hold. It
// reports whether something changed and whether the constraint is still
// satisfiable.
func (d *domain) tighten(terms []Term, bound int) (changed, ok bool) {
	low := d.minSum(terms)
	if low > bound {
		return false, false
	}
	for _, t := range terms {
		if t.Coef == 0 {
			continue
		}
		var own int
		if t.Coef > 0 {
			own = t.Coef * d.lo[t.Var]
		} else {
			own = t.Coef * d.hi[t.Var]
		}
		slack := bound - (low - own)
		if t.Coef > 0 {
			if nh := floorDiv(slack, t.Coef); nh < d.hi[t.Var] {
				d.hi[t.Var] = nh
				changed = true
			}
		} else {
			if nl := ceilDiv(slack, t.Coef); nl > d.lo[t.Var] {
				d.lo[t.Var] = nl
				changed = true
			}
		}
		if d.lo[t.Var] > d.hi[t.Var] {
			return changed, false
		}
	}
	return changed, true
}

// exclude removes the value of a literal from its variable's domain.
func (d *domain) exclude(l Literal) (changed, ok bool) {
	switch {
	case d.lo[l.Var] == l.Value:
		d.lo[l.Var]++
	case d.hi[l.Var] == l.Value:
		d.hi[l.Var]--
	default:
		return false, true
	}
	return true, d.lo[l.Var] <= d.hi[l.Var]
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) == (b < 0)) {
		q++
	}
	return q
}

type search struct {
	m       *Model
	limit   int
	nodes   int
	best    *Solution
	ctx     context.Context
	guarded []Var
	stopped error
}

// Solve implements Backend.
func (b *BranchAndBound) Solve(ctx context.Context, m *Model) (*Solution, error) {
	s := &search{m: m, limit: b.NodeLimit, ctx: ctx}
	seen := make(map[Var]bool)
	collect := func(c Constraint) {
		for _, l := range c.When {
			if !seen[l.Var] {
				seen[l.Var] = true
				s.guarded = append(s.guarded, l.Var)
			}
		}
	}
	for _, c := range m.constraints {
		collect(c)
	}
	for _, d := range m.disjunctions {
		for _, c := range d.Options {
			collect(c)
		}
	}
	root := &domain{
		lo:     append([]int(nil), m.lo...),
		hi:     append([]int(nil), m.hi...),
		choice: make([]int, len(m.disjunctions)),
	}
	for i := range root.choice {
		root.choice[i] = -1
	}
	s.branch(root)
	if err := ctx.Err(); err != nil && s.stopped == err {
		return nil, err
	}
	if s.best != nil {
		s.best.Nodes = s.nodes
		s.best.Optimal = s.stopped == nil
		return s.best, nil
	}
	if s.stopped != nil {
		return nil, s.stopped
	}
	return nil, ErrInfeasible
}

// propagate runs bounds propagation to a fixpoint.
func (s *search) propagate(d *domain) bool {
	for {
		changed := false
		for _, c := range s.m.constraints {
			ch, ok := s.enforce(d, c)
			if !ok {
				return false
			}
			changed = changed || ch
		}
		for i, dj := range s.m.disjunctions {
			if d.choice[i] >= 0 {
				ch, ok := s.enforce(d, dj.Options[d.choice[i]])
				if !ok {
					return false
				}
				changed = changed || ch
				continue
			}
			open, last := 0, -1
			for j, c := range dj.Options {
				if s.possible(d, c) {
					open++
					last = j
				}
			}
			switch open {
			case 0:
				return false
			case 1:
				d.choice[i] = last
				changed = true
			}
		}
		if !changed {
			return true
		}
	}
}

// possible reports whether c can still hold under d.
func (s *search) possible(d *domain, c Constraint) bool {
	for _, l := range c.When {
		if d.literal(l) == 0 {
			return true
		}
	}
	return d.minSum(c.Terms) <= c.Bound
}

// enforce propagates one constraint. A guarded constraint that cannot hold
// forces its last open literal to fail.
func (s *search) enforce(d *domain, c Constraint) (changed, ok bool) {
	open := -1
	for i, l := range c.When {
		switch d.literal(l) {
		case 0:
			return false, true
		case -1:
			if open >= 0 {
				return false, true
			}
			open = i
		}
	}
	if open < 0 {
		return d.tighten(c.Terms, c.Bound)
	}
	if d.minSum(c.Terms) > c.Bound {
		return d.exclude(c.When[open])
	}
	return false, true
}

func (s *search) lowerBound(d *domain) (int, int) {
	return d.minSum(s.m.objective), d.minSum(s.m.tieBreak)
}

func (s *search) worse(obj, tie int) bool {
	if s.best == nil {
		return false
	}
	if obj != s.best.Objective {
		return obj > s.best.Objective
	}
	return tie >= s.best.TieBreak
}

func (s *search) stop() bool {
	if s.stopped != nil {
		return true
	}
	if s.nodes%64 == 1 {
		if err := s.ctx.Err(); err != nil {
			s.stopped = err
			return true
		}
	}
	if s.limit > 0 && s.nodes >= s.limit {
		s.stopped = ErrNodeLimit
		return true
	}
	return false
}

func (s *search) branch(d *domain) {
	s.nodes++
	if s.stop() {
		return
	}
	if !s.propagate(d) {
		return
	}
	if s.worse(s.lowerBound(d)) {
		return
	}

	for _, v := range s.guarded {
		if d.fixed(v) {
			continue
		}
		for x := d.lo[v]; x <= d.hi[v]; x++ {
			c := d.clone()
			c.lo[v], c.hi[v] = x, x
			s.branch(c)
		}
		return
	}

	for i, dj := range s.m.disjunctions {
		if d.choice[i] >= 0 {
			continue
		}
		for j, c := range dj.Options {
			if !s.possible(d, c) {
				continue
			}
			nd := d.clone()
			nd.choice[i] = j
			s.branch(nd)
		}
		return
	}

	for v := range d.lo {
		if d.fixed(Var(v)) {
			continue
		}
		lower := d.clone()
		lower.hi[v] = d.lo[v]
		s.branch(lower)
		upper := d.clone()
		upper.lo[v] = d.lo[v] + 1
		s.branch(upper)
		return
	}

	values := append([]int(nil), d.lo...)
	if s.m.Check(values) != nil {
		return
	}
	obj, tie := eval(s.m.objective, values), eval(s.m.tieBreak, values)
	if s.worse(obj, tie) {
		return
	}
	s.best = &Solution{Values: values, Objective: obj, TieBreak: tie}
}
