package bgp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtshift/internal/testutil"
	"github.com/newtron-network/newtshift/pkg/bgp"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/util"
)

func build(t *testing.T, s testutil.Scenario, opts ...bgp.Option) *bgp.Network {
	t.Helper()
	n, err := bgp.Build(testutil.Context(t), s.Routers, s.Links, s.Config, opts...)
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	return n
}

func applyAll(t *testing.T, n *bgp.Network, mods ...model.Modifier) {
	t.Helper()
	for _, m := range mods {
		if err := n.Apply(m); err != nil {
			t.Fatalf("Apply(%s) = %v", m, err)
		}
	}
	if _, err := n.Converge(testutil.Context(t)); err != nil {
		t.Fatalf("Converge() = %v", err)
	}
}

// ===== Convergence =====

func TestConvergedStates(t *testing.T) {
	for _, s := range []testutil.Scenario{testutil.DelBestRoute(), testutil.NewBestRoute()} {
		t.Run(s.Name, func(t *testing.T) {
			n := build(t, s)
			if diff := cmp.Diff(s.Before, testutil.ForwardingOf(n.Forwarding())); diff != "" {
				t.Errorf("before (-want +got):\n%s", diff)
			}
			applyAll(t, n, s.Change...)
			if diff := cmp.Diff(s.After, testutil.ForwardingOf(n.Forwarding())); diff != "" {
				t.Errorf("after (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRandomOrderReachesSameState(t *testing.T) {
	s := testutil.DelBestRoute()
	n := build(t, s, bgp.WithRandomOrder("bgp-test"))
	applyAll(t, n, s.Change...)
	if diff := cmp.Diff(s.After, testutil.ForwardingOf(n.Forwarding())); diff != "" {
		t.Errorf("after (-want +got):\n%s", diff)
	}
}

func TestSnapshotRoutes(t *testing.T) {
	s := testutil.DelBestRoute()
	snap := build(t, s).Snapshot()

	rt, ok := snap.BestRoute("c", testutil.Prefix)
	if !ok {
		t.Fatal("c has no route")
	}
	if rt.From != "rr" || rt.NextHop != "b1" || rt.FromType != model.SessionIBGP {
		t.Errorf("c route = %+v, want from rr via b1 (ibgp)", rt)
	}
	if _, ok := snap.BestRoute("x1", testutil.Prefix); ok {
		t.Error("snapshot exposes external routers' routes")
	}
	if _, ok := snap.Available[testutil.Prefix]["b2"]["x2"]; !ok {
		t.Error("b2 should hold the x2 route as an alternative")
	}
}

// ===== Preferences =====

func TestWeightPinsRoute(t *testing.T) {
	s := testutil.DelBestRoute()
	n := build(t, s)
	applyAll(t, n, model.Modifier{Kind: model.ModSetWeight, A: "b2", B: "x2", Prefix: testutil.Prefix, Value: 100})
	if nh := n.Forwarding().NextHop("b2", testutil.Prefix); nh != "x2" {
		t.Errorf("b2 next hop = %q, want x2", nh)
	}
	// rr keeps b1 since x2's path is longer.
	if nh := n.Forwarding().NextHop("rr", testutil.Prefix); nh != "b1" {
		t.Errorf("rr next hop = %q, want b1", nh)
	}

	applyAll(t, n, model.Modifier{Kind: model.ModClearWeight, A: "b2", B: "x2", Prefix: testutil.Prefix})
	if nh := n.Forwarding().NextHop("b2", testutil.Prefix); nh != "c" {
		t.Errorf("b2 next hop after clear = %q, want c", nh)
	}
}

func TestLocalPrefOverridesPathLength(t *testing.T) {
	s := testutil.DelBestRoute()
	n := build(t, s)
	applyAll(t, n, model.Modifier{Kind: model.ModSetLocalPref, A: "b2", B: "x2", Prefix: testutil.Prefix, Value: 200})
	fw := testutil.ForwardingOf(n.Forwarding())
	want := map[model.RouterID]model.RouterID{"b1": "rr", "rr": "c", "c": "b2", "b2": "x2"}
	if diff := cmp.Diff(want, fw); diff != "" {
		t.Errorf("forwarding (-want +got):\n%s", diff)
	}
}

// ===== Temporary sessions =====

func TestTemporarySessionIsNotReadvertised(t *testing.T) {
	s := testutil.DelBestRoute()
	n := build(t, s)
	applyAll(t, n,
		model.Modifier{Kind: model.ModAddSession, A: "b2", B: "c", SessionType: model.SessionTemporary},
		model.Modifier{Kind: model.ModSetWeight, A: "b2", B: "x2", Prefix: testutil.Prefix, Value: 100},
	)
	snap := n.Snapshot()
	rt, ok := snap.Available[testutil.Prefix]["c"]["b2"]
	if !ok || rt.NextHop != "b2" || rt.FromType != model.SessionTemporary {
		t.Fatalf("c route from b2 = %+v, %v; want temporary route via b2", rt, ok)
	}
	// c keeps its reflected route until told otherwise.
	if nh := snap.Forwarding.NextHop("c", testutil.Prefix); nh != "rr" {
		t.Errorf("c next hop = %q, want rr", nh)
	}

	applyAll(t, n, model.Modifier{Kind: model.ModSetWeight, A: "c", B: "b2", Prefix: testutil.Prefix, Value: 100})
	snap = n.Snapshot()
	if nh := snap.Forwarding.NextHop("c", testutil.Prefix); nh != "b2" {
		t.Errorf("c next hop = %q, want b2", nh)
	}
	if _, ok := snap.Available[testutil.Prefix]["rr"]["c"]; ok {
		t.Error("c re-advertised a route learned over a temporary session")
	}
	// The provider never learns from the receiver.
	if _, ok := snap.Available[testutil.Prefix]["b2"]["c"]; ok {
		t.Error("temporary session carried a route back to the provider")
	}
}

// ===== Errors =====

func TestApplyErrors(t *testing.T) {
	s := testutil.DelBestRoute()
	n := build(t, s)

	tests := []struct {
		name string
		mod  model.Modifier
		want error
	}{
		{"unknown router", model.Modifier{Kind: model.ModSetWeight, A: "ghost", B: "rr", Prefix: testutil.Prefix, Value: 1}, util.ErrNotFound},
		{"duplicate session", model.Modifier{Kind: model.ModAddSession, A: "rr", B: "c", SessionType: model.SessionIBGP}, util.ErrInvalidConfig},
		{"ibgp to external", model.Modifier{Kind: model.ModAddSession, A: "c", B: "x1", SessionType: model.SessionIBGP}, util.ErrInvalidConfig},
		{"missing session", model.Modifier{Kind: model.ModRemoveSession, A: "c", B: "b1"}, util.ErrNotFound},
		{"internal advertiser", model.Modifier{Kind: model.ModAdvertise, A: "c", Prefix: testutil.Prefix}, util.ErrInvalidConfig},
		{"unknown kind", model.Modifier{Kind: "reboot", A: "c"}, util.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := n.Apply(tt.mod); !errors.Is(err, tt.want) {
				t.Errorf("Apply() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMessageBudget(t *testing.T) {
	s := testutil.DelBestRoute()
	n := bgp.New(s.Routers, s.Links, bgp.WithMessageBudget(3))
	for _, m := range s.Config {
		if err := n.Apply(m); err != nil {
			t.Fatalf("Apply(%s) = %v", m, err)
		}
	}
	if _, err := n.Converge(context.Background()); !errors.Is(err, util.ErrNoConvergence) {
		t.Errorf("Converge() = %v, want ErrNoConvergence", err)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	s := testutil.DelBestRoute()
	n := build(t, s)
	c := n.Copy()
	applyAll(t, c, s.Change...)
	if diff := cmp.Diff(s.Before, testutil.ForwardingOf(n.Forwarding())); diff != "" {
		t.Errorf("original changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(s.After, testutil.ForwardingOf(c.Forwarding())); diff != "" {
		t.Errorf("copy (-want +got):\n%s", diff)
	}
}
