// Package ilp is a small integer linear programming toolkit: a model of
// bounded integer variables, linear constraints that may be guarded by
// indicator literals, disjunctions, and a lexicographic objective, solved
// by a pluggable Backend.
package ilp

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInfeasible is returned when a model has no solution.
var ErrInfeasible = errors.New("ilp: infeasible")

// Var is a model variable.
type Var int

// Term is Coef·Var.
type Term struct {
	Var  Var
	Coef int
}

// Literal holds when Var takes Value.
type Literal struct {
	Var   Var
	Value int
}

// Constraint is Σ Terms ≤ Bound. It is only enforced when every literal in
// When holds.
type Constraint struct {
	Name  string
	Terms []Term
	Bound int
	When  []Literal
}

// Disjunction holds when at least one of its options holds.
type Disjunction struct {
	Name    string
	Options []Constraint
}

// Model is an integer program.
type Model struct {
	names        []string
	lo, hi       []int
	constraints  []Constraint
	disjunctions []Disjunction
	objective    []Term
	tieBreak     []Term
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{}
}

// NewVar adds an integer variable with the inclusive bounds [lo, hi].
func (m *Model) NewVar(name string, lo, hi int) Var {
	m.names = append(m.names, name)
	m.lo = append(m.lo, lo)
	m.hi = append(m.hi, hi)
	return Var(len(m.names) - 1)
}

// NewBool adds a 0/1 variable.
func (m *Model) NewBool(name string) Var {
	return m.NewVar(name, 0, 1)
}

// Name returns the name of v.
func (m *Model) Name(v Var) string {
	return m.names[v]
}

// NumVars returns the number of variables.
func (m *Model) NumVars() int {
	return len(m.names)
}

// Add adds a constraint.
func (m *Model) Add(c Constraint) {
	m.constraints = append(m.constraints, c)
}

// AddDisjunction adds a disjunction. An empty disjunction makes the model
// infeasible.
func (m *Model) AddDisjunction(d Disjunction) {
	m.disjunctions = append(m.disjunctions, d)
}

// Minimize sets the objective. Among solutions with equal objective the one
// with the smallest tie-break value wins.
func (m *Model) Minimize(objective, tieBreak []Term) {
	m.objective = objective
	m.tieBreak = tieBreak
}

// Stats returns the number of variables, constraints and disjunctions.
func (m *Model) Stats() (vars, constraints, disjunctions int) {
	return len(m.names), len(m.constraints), len(m.disjunctions)
}

// Before returns a + gap ≤ b.
func Before(name string, a, b Var, gap int) Constraint {
	return Constraint{Name: name, Terms: []Term{{a, 1}, {b, -1}}, Bound: -gap}
}

// Equal returns the two constraints a = b, both guarded by when.
func Equal(name string, a, b Var, when ...Literal) []Constraint {
	return []Constraint{
		{Name: name, Terms: []Term{{a, 1}, {b, -1}}, Bound: 0, When: when},
		{Name: name, Terms: []Term{{b, 1}, {a, -1}}, Bound: 0, When: when},
	}
}

// Guard returns c enforced only when every literal holds.
func (c Constraint) Guard(when ...Literal) Constraint {
	c.When = append(append([]Literal(nil), c.When...), when...)
	return c
}

// String renders the constraint with variable indices.
func (c Constraint) String() string {
	var b strings.Builder
	for i, t := range c.Terms {
		if i > 0 {
			b.WriteString(" + ")
		}
		fmt.Fprintf(&b, "%d·v%d", t.Coef, t.Var)
	}
	fmt.Fprintf(&b, " <= %d", c.Bound)
	if len(c.When) > 0 {
		b.WriteString(" if")
		for _, l := range c.When {
			fmt.Fprintf(&b, " v%d=%d", l.Var, l.Value)
		}
	}
	return b.String()
}

// Solution is an assignment of every variable.
type Solution struct {
	Values    []int
	Objective int
	TieBreak  int
	// Nodes is the number of search nodes explored.
	Nodes int
	// Optimal is unset when the search stopped early on its node limit.
	Optimal bool
}

// Value returns the value of v.
func (s *Solution) Value(v Var) int {
	return s.Values[v]
}

// Bool returns whether a 0/1 variable is set.
func (s *Solution) Bool(v Var) bool {
	return s.Values[v] != 0
}

// Backend solves models. Solve returns ErrInfeasible when no solution
// exists and the context error when the context ends first.
type Backend interface {
	Solve(ctx context.Context, m *Model) (*Solution, error)
}

func eval(terms []Term, values []int) int {
	sum := 0
	for _, t := range terms {
		sum += t.Coef * values[t.Var]
	}
	return sum
}

// Check reports the first constraint or disjunction the assignment
// violates, or nil.
func (m *Model) Check(values []int) error {
	if len(values) != len(m.names) {
		return fmt.Errorf("assignment has %d values for %d variables", len(values), len(m.names))
	}
	for v, x := range values {
		if x < m.lo[v] || x > m.hi[v] {
			return fmt.Errorf("%s = %d outside [%d, %d]", m.names[v], x, m.lo[v], m.hi[v])
		}
	}
	holds := func(c Constraint) bool {
		for _, l := range c.When {
			if values[l.Var] != l.Value {
				return true
			}
		}
		return eval(c.Terms, values) <= c.Bound
	}
	for _, c := range m.constraints {
		if !holds(c) {
			return fmt.Errorf("constraint %s violated: %s", c.Name, c)
		}
	}
	for _, d := range m.disjunctions {
		ok := false
		for _, c := range d.Options {
			if holds(c) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("disjunction %s violated", d.Name)
		}
	}
	return nil
}
