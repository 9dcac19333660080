// Package testutil provides shared topologies and helpers for tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/spec"
)

// Prefix is the destination used by the reflector-line scenarios.
const Prefix model.Prefix = "10.0.0.0/24"

// Scenario is a network, its initial configuration and one change.
type Scenario struct {
	Name    string
	Routers []model.Router
	Links   []model.Link
	Config  []model.Modifier
	Change  []model.Modifier
	Spec    *spec.Specification
	// Before and After are the expected forwarding next hops for Prefix.
	Before map[model.RouterID]model.RouterID
	After  map[model.RouterID]model.RouterID
}

func reflectorLine() ([]model.Router, []model.Link) {
	routers := []model.Router{
		{ID: "b1", Role: model.RoleInternal, AS: 65000},
		{ID: "rr", Role: model.RoleInternal, AS: 65000},
		{ID: "c", Role: model.RoleInternal, AS: 65000},
		{ID: "b2", Role: model.RoleInternal, AS: 65000},
		{ID: "x1", Role: model.RoleExternal, AS: 64501},
		{ID: "x2", Role: model.RoleExternal, AS: 64502},
	}
	links := []model.Link{
		{A: "b1", B: "rr", Weight: 1},
		{A: "rr", B: "c", Weight: 1},
		{A: "c", B: "b2", Weight: 1},
	}
	return routers, links
}

func session(a, b model.RouterID, t model.SessionType) model.Modifier {
	return model.Modifier{Kind: model.ModAddSession, A: a, B: b, SessionType: t}
}

func advertise(x model.RouterID, pathLen int) model.Modifier {
	return model.Modifier{Kind: model.ModAdvertise, A: x, Prefix: Prefix, Value: pathLen}
}

// DelBestRoute is a line b1 - rr - c - b2 with rr reflecting to the three
// others. x1 behind b1 has the better route and its session goes away, so
// traffic must move over to x2 behind b2. c learns both routes from rr and
// cannot move safely without a temporary session.
func DelBestRoute() Scenario {
	routers, links := reflectorLine()
	s := Scenario{
		Name:    "del-best-route",
		Routers: routers,
		Links:   links,
		Config: []model.Modifier{
			session("b1", "x1", model.SessionEBGP),
			session("b2", "x2", model.SessionEBGP),
			session("rr", "b1", model.SessionClient),
			session("rr", "c", model.SessionClient),
			session("rr", "b2", model.SessionClient),
			advertise("x1", 1),
			advertise("x2", 2),
		},
		Change: []model.Modifier{
			{Kind: model.ModRemoveSession, A: "b1", B: "x1", SessionType: model.SessionEBGP},
		},
		Before: map[model.RouterID]model.RouterID{"b1": "x1", "rr": "b1", "c": "rr", "b2": "c"},
		After:  map[model.RouterID]model.RouterID{"b1": "rr", "rr": "c", "c": "b2", "b2": "x2"},
	}
	s.Spec = spec.Everywhere(routers, []model.Prefix{Prefix})
	return s
}

// NewBestRoute uses the same line, but the better route appears: x2 peers
// with b2 and announces a shorter path than x1.
func NewBestRoute() Scenario {
	routers, links := reflectorLine()
	s := Scenario{
		Name:    "new-best-route",
		Routers: routers,
		Links:   links,
		Config: []model.Modifier{
			session("b1", "x1", model.SessionEBGP),
			session("rr", "b1", model.SessionClient),
			session("rr", "c", model.SessionClient),
			session("rr", "b2", model.SessionClient),
			advertise("x1", 2),
			advertise("x2", 1),
		},
		Change: []model.Modifier{
			session("b2", "x2", model.SessionEBGP),
		},
		Before: map[model.RouterID]model.RouterID{"b1": "x1", "rr": "b1", "c": "rr", "b2": "c"},
		After:  map[model.RouterID]model.RouterID{"b1": "rr", "rr": "c", "c": "b2", "b2": "x2"},
	}
	s.Spec = spec.Everywhere(routers, []model.Prefix{Prefix})
	return s
}

// WaypointDelBestRoute is DelBestRoute where c must keep crossing rr or b2
// on its way out. c forwards to rr before the change and over the
// temporary session to b2 after it.
func WaypointDelBestRoute() Scenario {
	s := DelBestRoute()
	s.Name = "waypoint-del-best-route"
	s.Spec.Constraints = append(s.Spec.Constraints, spec.Constraint{
		Router: "c", Prefix: Prefix, Kind: spec.KindWaypoint,
		Waypoints: []model.RouterID{"rr", "b2"}, Scope: spec.ScopeAlways,
	})
	return s
}

// ForwardingOf extracts the next hops of Prefix from a state.
func ForwardingOf(fw model.ForwardingState) map[model.RouterID]model.RouterID {
	out := make(map[model.RouterID]model.RouterID, len(fw[Prefix]))
	for r, nh := range fw[Prefix] {
		out[r] = nh
	}
	return out
}

// Context returns a context with a reasonable timeout for tests.
// The cancel function is registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
