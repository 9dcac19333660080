package ilp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func solve(t *testing.T, m *Model) *Solution {
	t.Helper()
	sol, err := (&BranchAndBound{}).Solve(context.Background(), m)
	if err != nil {
		t.Fatalf("Solve() = %v", err)
	}
	if err := m.Check(sol.Values); err != nil {
		t.Fatalf("solution violates model: %v", err)
	}
	return sol
}

// chain builds x0 < x1 < ... < x(n-1) <= makespan.
func chain(m *Model, n int) ([]Var, Var) {
	xs := make([]Var, n)
	span := m.NewVar("span", 0, n+1)
	for i := range xs {
		xs[i] = m.NewVar("x", 0, n+1)
		m.Add(Before("span", xs[i], span, 0))
		if i > 0 {
			m.Add(Before("order", xs[i-1], xs[i], 1))
		}
	}
	return xs, span
}

// ===== Backend =====

func TestChainMakespan(t *testing.T) {
	m := NewModel()
	xs, span := chain(m, 4)
	m.Minimize([]Term{{span, 1}}, nil)
	sol := solve(t, m)
	if sol.Objective != 3 {
		t.Errorf("objective = %d, want 3", sol.Objective)
	}
	for i, x := range xs {
		if sol.Value(x) != i {
			t.Errorf("x%d = %d, want %d", i, sol.Value(x), i)
		}
	}
	if !sol.Optimal {
		t.Error("complete search not reported optimal")
	}
}

func TestInfeasible(t *testing.T) {
	m := NewModel()
	a := m.NewVar("a", 0, 5)
	b := m.NewVar("b", 0, 5)
	m.Add(Before("ab", a, b, 1))
	m.Add(Before("ba", b, a, 1))
	if _, err := (&BranchAndBound{}).Solve(context.Background(), m); !errors.Is(err, ErrInfeasible) {
		t.Errorf("Solve() = %v, want ErrInfeasible", err)
	}
}

func TestEmptyDisjunctionIsInfeasible(t *testing.T) {
	m := NewModel()
	m.NewVar("a", 0, 1)
	m.AddDisjunction(Disjunction{Name: "none"})
	if _, err := (&BranchAndBound{}).Solve(context.Background(), m); !errors.Is(err, ErrInfeasible) {
		t.Errorf("Solve() = %v, want ErrInfeasible", err)
	}
}

func TestDisjunctionPicksCheaperSide(t *testing.T) {
	m := NewModel()
	a := m.NewVar("a", 0, 10)
	b := m.NewVar("b", 0, 10)
	m.Add(Constraint{Name: "a>=4", Terms: []Term{{a, -1}}, Bound: -4})
	// a < b or b < a: b = 0 is cheapest.
	m.AddDisjunction(Disjunction{Name: "apart", Options: []Constraint{
		Before("a<b", a, b, 1),
		Before("b<a", b, a, 1),
	}})
	m.Minimize([]Term{{a, 1}, {b, 1}}, nil)
	sol := solve(t, m)
	if sol.Value(a) != 4 || sol.Value(b) != 0 {
		t.Errorf("a=%d b=%d, want a=4 b=0", sol.Value(a), sol.Value(b))
	}
}

func TestGuardedConstraintAndTieBreak(t *testing.T) {
	m := NewModel()
	x := m.NewVar("x", 0, 5)
	y := m.NewVar("y", 0, 5)
	useA := m.NewBool("useA")
	useB := m.NewBool("useB")
	// Without help x must equal y, but x < y is required.
	for _, c := range Equal("eq", x, y, Literal{useA, 0}, Literal{useB, 0}) {
		m.Add(c)
	}
	m.Add(Before("x<y", x, y, 1))
	// Either helper works; both cost the same rounds.
	span := m.NewVar("span", 0, 5)
	m.Add(Before("x", x, span, 0))
	m.Add(Before("y", y, span, 0))
	m.Minimize([]Term{{span, 1}}, []Term{{useA, 1}, {useB, 1}})

	sol := solve(t, m)
	if sol.Objective != 1 {
		t.Errorf("objective = %d, want 1", sol.Objective)
	}
	if sol.TieBreak != 1 {
		t.Errorf("tie-break = %d, want a single helper", sol.TieBreak)
	}
}

func TestGuardForcesLiteral(t *testing.T) {
	m := NewModel()
	x := m.NewVar("x", 3, 3)
	on := m.NewBool("on")
	// on=1 would need x <= 1.
	m.Add(Constraint{Name: "x<=1", Terms: []Term{{x, 1}}, Bound: 1}.Guard(Literal{on, 1}))
	m.Add(Constraint{Name: "on", Terms: []Term{{on, -1}}, Bound: 0})
	m.Minimize([]Term{{on, -1}}, nil)
	sol := solve(t, m)
	if sol.Bool(on) {
		t.Error("on = 1 although its guarded constraint cannot hold")
	}
}

func TestContextTimeout(t *testing.T) {
	m := NewModel()
	chain(m, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if _, err := (&BranchAndBound{}).Solve(ctx, m); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Solve() = %v, want deadline exceeded", err)
	}
}

func TestNodeLimit(t *testing.T) {
	m := NewModel()
	chain(m, 6)
	if _, err := (&BranchAndBound{NodeLimit: 1}).Solve(context.Background(), m); !errors.Is(err, ErrNodeLimit) {
		t.Errorf("Solve() = %v, want ErrNodeLimit", err)
	}
}

// ===== Pool =====

type gate struct {
	mu      sync.Mutex
	started int
	release chan struct{}
}

func (g *gate) Solve(ctx context.Context, m *Model) (*Solution, error) {
	g.mu.Lock()
	g.started++
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Solution{}, nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	g := &gate{release: make(chan struct{})}
	p := NewPool(g, 2)
	if p.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", p.Size())
	}

	var eg errgroup.Group
	for i := 0; i < 5; i++ {
		eg.Go(func() error {
			_, err := p.Solve(context.Background(), NewModel())
			return err
		})
	}
	time.Sleep(50 * time.Millisecond)
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started != 2 {
		t.Errorf("%d solves started, want 2", started)
	}
	close(g.release)
	if err := eg.Wait(); err != nil {
		t.Fatalf("Solve() = %v", err)
	}
	if p.Peak() != 2 {
		t.Errorf("Peak() = %d, want 2", p.Peak())
	}
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	g := &gate{release: make(chan struct{})}
	defer close(g.release)
	p := NewPool(g, 1)
	go p.Solve(context.Background(), NewModel())
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Solve(ctx, NewModel()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Solve() = %v, want deadline exceeded", err)
	}
}
