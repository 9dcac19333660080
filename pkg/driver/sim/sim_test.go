package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/newtron-network/newtshift/internal/testutil"
	"github.com/newtron-network/newtshift/pkg/bgp"
	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/driver"
	"github.com/newtron-network/newtshift/pkg/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDriver(t *testing.T, opts ...Option) (*Driver, testutil.Scenario) {
	t.Helper()
	s := testutil.DelBestRoute()
	n, err := bgp.Build(testutil.Context(t), s.Routers, s.Links, s.Config)
	if err != nil {
		t.Fatalf("bgp.Build() = %v", err)
	}
	d := New(n, opts...)
	t.Cleanup(func() { d.Close() })
	return d, s
}

func mainCommand(s testutil.Scenario) *command.Command {
	return &command.Command{
		ID:        command.MainID,
		Kind:      command.KindMain,
		Modifiers: s.Change,
		Post:      command.Conditions{{Kind: command.CondNoSession, Router: "b1", Neighbor: "x1"}},
	}
}

func next(t *testing.T, events <-chan driver.Event) driver.Event {
	t.Helper()
	select {
	case e, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return driver.Event{}
}

func none(t *testing.T, events <-chan driver.Event) {
	t.Helper()
	select {
	case e := <-events:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

// ===== Apply and convergence =====

func TestApplyThenConverge(t *testing.T) {
	d, s := newDriver(t)
	ctx := testutil.Context(t)
	events, err := d.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}

	before, _ := d.Snapshot(ctx)
	if diff := cmp.Diff(s.Before, testutil.ForwardingOf(before)); diff != "" {
		t.Errorf("initial forwarding (-want +got):\n%s", diff)
	}

	if err := d.Apply(ctx, mainCommand(s)); err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	if e := next(t, events); e.Kind != driver.EventApplied || e.CommandID != command.MainID {
		t.Errorf("first event = %+v, want applied main", e)
	}
	// Nothing moves before the simulation advances.
	unchanged, _ := d.Snapshot(ctx)
	if diff := cmp.Diff(s.Before, testutil.ForwardingOf(unchanged)); diff != "" {
		t.Errorf("forwarding before advancing (-want +got):\n%s", diff)
	}

	if err := d.AdvanceUntilConverged(ctx); err != nil {
		t.Fatalf("AdvanceUntilConverged() = %v", err)
	}
	if e := next(t, events); e.Kind != driver.EventConverged || e.CommandID != command.MainID {
		t.Errorf("second event = %+v, want converged main", e)
	}
	after, _ := d.Snapshot(ctx)
	if diff := cmp.Diff(s.After, testutil.ForwardingOf(after)); diff != "" {
		t.Errorf("final forwarding (-want +got):\n%s", diff)
	}
	if st := d.Stats(); st.Messages == 0 || st.MaxRoutes < st.Routes {
		t.Errorf("Stats() = %+v", st)
	}

	// A second advance reports nothing new.
	if err := d.AdvanceUntilConverged(ctx); err != nil {
		t.Fatal(err)
	}
	none(t, events)
}

func TestApplyChecksPrecondition(t *testing.T) {
	d, s := newDriver(t)
	c := mainCommand(s)
	c.Pre = command.Conditions{{Kind: command.CondForwarding, Router: "rr", Prefix: testutil.Prefix, NextHop: "c"}}
	err := d.Apply(testutil.Context(t), c)
	if !errors.Is(err, util.ErrDriver) {
		t.Fatalf("Apply() = %v, want driver error", err)
	}
	var de *util.DriverError
	if !errors.As(err, &de) || de.Operation != "precondition" {
		t.Errorf("Apply() = %v, want precondition failure", err)
	}
}

func TestPostconditionFailure(t *testing.T) {
	d, s := newDriver(t)
	ctx := testutil.Context(t)
	events, _ := d.Subscribe(ctx)
	c := mainCommand(s)
	c.Post = command.Conditions{{Kind: command.CondForwarding, Router: "rr", Prefix: testutil.Prefix, NextHop: "b1"}}
	if err := d.Apply(ctx, c); err != nil {
		t.Fatal(err)
	}
	next(t, events)
	if err := d.AdvanceUntilConverged(ctx); err != nil {
		t.Fatal(err)
	}
	e := next(t, events)
	if e.Kind != driver.EventFailed || !errors.Is(e.Err, util.ErrDriver) {
		t.Errorf("event = %+v, want failed with driver error", e)
	}
}

// ===== Faults =====

func TestFaults(t *testing.T) {
	tests := []struct {
		name      string
		fault     Fault
		applyErr  bool
		wantAfter driver.EventKind
	}{
		{"fail apply", Fault{FailApply: true}, true, ""},
		{"withhold", Fault{Withhold: true}, false, ""},
		{"fail convergence", Fault{FailConvergence: true}, false, driver.EventFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s := newDriver(t, WithFault(command.MainID, tt.fault))
			ctx, cancel := context.WithCancel(testutil.Context(t))
			defer cancel()
			events, _ := d.Subscribe(ctx)

			err := d.Apply(ctx, mainCommand(s))
			if tt.applyErr {
				if !errors.Is(err, ErrInjected) || !errors.Is(err, util.ErrDriver) {
					t.Fatalf("Apply() = %v, want injected driver error", err)
				}
				none(t, events)
				return
			}
			if err != nil {
				t.Fatalf("Apply() = %v", err)
			}
			next(t, events)
			if err := d.AdvanceUntilConverged(ctx); err != nil {
				t.Fatal(err)
			}
			if tt.wantAfter == "" {
				none(t, events)
				return
			}
			if e := next(t, events); e.Kind != tt.wantAfter {
				t.Errorf("event = %+v, want %s", e, tt.wantAfter)
			}
		})
	}
}

func TestLatencyHonorsContext(t *testing.T) {
	d, s := newDriver(t, WithLatency("latency", time.Hour, 2*time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Apply(ctx, mainCommand(s))
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, util.ErrDriver) {
		t.Errorf("Apply() = %v, want deadline exceeded driver error", err)
	}
}

// ===== Subscriptions =====

func TestSubscriptionEnds(t *testing.T) {
	d, _ := newDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	events, _ := d.Subscribe(ctx)
	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("received an event after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}

	other, _ := d.Subscribe(context.Background())
	d.Close()
	if _, ok := <-other; ok {
		t.Error("received an event after Close")
	}
	late, _ := d.Subscribe(context.Background())
	if _, ok := <-late; ok {
		t.Error("subscription after Close is open")
	}
}
