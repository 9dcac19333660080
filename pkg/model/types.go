// Package model defines the network model the planner reasons about:
// routers, IGP links, BGP sessions, best routes and forwarding state.
//
// Values of these types are produced by a routing engine (see Engine) and
// are treated as read-only snapshots by the planner.
package model

import (
	"fmt"
	"sort"
)

// RouterID identifies a router.
type RouterID string

// Prefix identifies a destination prefix.
type Prefix string

// Role is the role of a router relative to the reconfigured AS.
type Role string

const (
	RoleInternal Role = "internal"
	RoleExternal Role = "external"
)

// Router is a node of the network.
type Router struct {
	ID   RouterID `json:"id" yaml:"id"`
	Role Role     `json:"role" yaml:"role"`
	AS   uint32   `json:"as,omitempty" yaml:"as,omitempty"`
}

// IsExternal reports whether the router lives outside the AS.
func (r Router) IsExternal() bool { return r.Role == RoleExternal }

// Link is an undirected IGP adjacency.
type Link struct {
	A      RouterID `json:"a" yaml:"a"`
	B      RouterID `json:"b" yaml:"b"`
	Weight float64  `json:"weight" yaml:"weight"`
}

// SessionType is the kind of BGP adjacency.
type SessionType string

const (
	SessionEBGP SessionType = "ebgp"
	SessionIBGP SessionType = "ibgp"
	// SessionClient is an iBGP session where A reflects routes to client B.
	SessionClient SessionType = "client"
	// SessionTemporary is a one-way session where A provides its best route
	// to B. B never re-advertises what it learns over it.
	SessionTemporary SessionType = "temporary"
)

// Session is a BGP adjacency between two routers.
type Session struct {
	A    RouterID    `json:"a" yaml:"a"`
	B    RouterID    `json:"b" yaml:"b"`
	Type SessionType `json:"type" yaml:"type"`
}

// Key returns a direction-independent key for non-directional sessions and
// a directional key for route reflection and temporary sessions.
func (s Session) Key() SessionKey {
	if s.Type == SessionClient || s.Type == SessionTemporary {
		return SessionKey{A: s.A, B: s.B}
	}
	return NewSessionKey(s.A, s.B)
}

// Peer returns the other end of the session, or "" if r is not an end.
func (s Session) Peer(r RouterID) RouterID {
	switch r {
	case s.A:
		return s.B
	case s.B:
		return s.A
	}
	return ""
}

func (s Session) String() string {
	return fmt.Sprintf("%s-%s(%s)", s.A, s.B, s.Type)
}

// SessionKey identifies a session between two routers.
type SessionKey struct {
	A RouterID
	B RouterID
}

// NewSessionKey returns a key with the ends in canonical order.
func NewSessionKey(a, b RouterID) SessionKey {
	if b < a {
		a, b = b, a
	}
	return SessionKey{A: a, B: b}
}

// Route is a BGP route as selected by one router.
type Route struct {
	Prefix Prefix `json:"prefix" yaml:"prefix"`
	// Origin is the external router that announced the prefix.
	Origin RouterID `json:"origin" yaml:"origin"`
	// NextHop is the egress router: the border router for iBGP routes, the
	// external neighbor for eBGP routes.
	NextHop RouterID `json:"next_hop" yaml:"next_hop"`
	// From is the neighbor the route was learned from.
	From      RouterID    `json:"from" yaml:"from"`
	FromType  SessionType `json:"from_type" yaml:"from_type"`
	ASPathLen int         `json:"as_path_len" yaml:"as_path_len"`
	LocalPref int         `json:"local_pref" yaml:"local_pref"`
	MED       int         `json:"med,omitempty" yaml:"med,omitempty"`
	Weight    int         `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// SameRoute reports whether two routes carry the same attributes apart from
// the neighbor they were learned from.
func (r Route) SameRoute(o Route) bool {
	return r.Prefix == o.Prefix && r.Origin == o.Origin && r.NextHop == o.NextHop &&
		r.ASPathLen == o.ASPathLen && r.LocalPref == o.LocalPref && r.MED == o.MED
}

// Snapshot is an immutable view of the network at one point in time.
type Snapshot struct {
	Routers    []Router                      `json:"routers"`
	Links      []Link                        `json:"links"`
	Sessions   []Session                     `json:"sessions"`
	Routes     map[Prefix]map[RouterID]Route `json:"routes"`
	Forwarding ForwardingState               `json:"forwarding"`
	// Available holds every route a router currently has per prefix, keyed
	// by neighbor. Used to evaluate availability conditions.
	Available map[Prefix]map[RouterID]map[RouterID]Route `json:"-"`
}

// Router returns the router with the given id.
func (s *Snapshot) Router(id RouterID) (Router, bool) {
	for _, r := range s.Routers {
		if r.ID == id {
			return r, true
		}
	}
	return Router{}, false
}

// RouterSet returns the sorted router ids.
func (s *Snapshot) RouterSet() []RouterID {
	ids := make([]RouterID, 0, len(s.Routers))
	for _, r := range s.Routers {
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsExternal reports whether id names an external router.
func (s *Snapshot) IsExternal(id RouterID) bool {
	r, ok := s.Router(id)
	return ok && r.IsExternal()
}

// BestRoute returns the route selected by router for prefix.
func (s *Snapshot) BestRoute(router RouterID, prefix Prefix) (Route, bool) {
	rt, ok := s.Routes[prefix][router]
	return rt, ok
}

// HasSession reports whether a session between a and b exists, in any
// direction and of any type.
func (s *Snapshot) HasSession(a, b RouterID) bool {
	for _, sess := range s.Sessions {
		if (sess.A == a && sess.B == b) || (sess.A == b && sess.B == a) {
			return true
		}
	}
	return false
}

// Prefixes returns the sorted prefixes known to the snapshot.
func (s *Snapshot) Prefixes() []Prefix {
	seen := make(map[Prefix]bool)
	for p := range s.Routes {
		seen[p] = true
	}
	for p := range s.Forwarding {
		seen[p] = true
	}
	out := make([]Prefix, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TableSize counts the routes held in every router's RIB-in.
func (s *Snapshot) TableSize() int {
	n := 0
	for _, byRouter := range s.Available {
		for _, byNeighbor := range byRouter {
			n += len(byNeighbor)
		}
	}
	return n
}
