package model

import (
	"fmt"
	"sort"
	"strings"
)

// ForwardingState maps each prefix and router to the next-hop router. An
// empty next hop means the router has no route. External routers are
// terminal: traffic handed to them has left the AS.
type ForwardingState map[Prefix]map[RouterID]RouterID

// Outcome classifies where a forwarding path ends.
type Outcome string

const (
	OutcomeReached   Outcome = "reached"
	OutcomeBlackHole Outcome = "black-hole"
	OutcomeLoop      Outcome = "loop"
)

// NextHop returns the next hop of router for prefix.
func (f ForwardingState) NextHop(router RouterID, prefix Prefix) RouterID {
	return f[prefix][router]
}

// Set records the next hop of router for prefix.
func (f ForwardingState) Set(router RouterID, prefix Prefix, nh RouterID) {
	m, ok := f[prefix]
	if !ok {
		m = make(map[RouterID]RouterID)
		f[prefix] = m
	}
	m[router] = nh
}

// Path follows next hops from router. terminal reports whether a router is
// an egress point (an external router). The returned path starts at router
// and, for a reached destination, ends at the terminal router.
func (f ForwardingState) Path(router RouterID, prefix Prefix, terminal func(RouterID) bool) ([]RouterID, Outcome) {
	seen := make(map[RouterID]bool)
	path := []RouterID{router}
	cur := router
	for {
		if terminal(cur) {
			return path, OutcomeReached
		}
		if seen[cur] {
			return path, OutcomeLoop
		}
		seen[cur] = true
		nh := f[prefix][cur]
		if nh == "" {
			return path, OutcomeBlackHole
		}
		path = append(path, nh)
		cur = nh
	}
}

// Clone returns a deep copy.
func (f ForwardingState) Clone() ForwardingState {
	out := make(ForwardingState, len(f))
	for p, m := range f {
		c := make(map[RouterID]RouterID, len(m))
		for r, nh := range m {
			c[r] = nh
		}
		out[p] = c
	}
	return out
}

// Delta is a change of one router's next hop for one prefix.
type Delta struct {
	Router RouterID `json:"router" yaml:"router"`
	Old    RouterID `json:"old" yaml:"old"`
	New    RouterID `json:"new" yaml:"new"`
}

func (d Delta) String() string {
	old, nw := d.Old, d.New
	if old == "" {
		old = "-"
	}
	if nw == "" {
		nw = "-"
	}
	return fmt.Sprintf("%s: %s => %s", d.Router, old, nw)
}

// Diff returns, per prefix, the routers whose next hop differs between f
// and to, sorted by router.
func (f ForwardingState) Diff(to ForwardingState) map[Prefix][]Delta {
	out := make(map[Prefix][]Delta)
	prefixes := make(map[Prefix]bool)
	for p := range f {
		prefixes[p] = true
	}
	for p := range to {
		prefixes[p] = true
	}
	for p := range prefixes {
		routers := make(map[RouterID]bool)
		for r := range f[p] {
			routers[r] = true
		}
		for r := range to[p] {
			routers[r] = true
		}
		var deltas []Delta
		for r := range routers {
			if o, n := f[p][r], to[p][r]; o != n {
				deltas = append(deltas, Delta{Router: r, Old: o, New: n})
			}
		}
		if len(deltas) == 0 {
			continue
		}
		sort.Slice(deltas, func(i, j int) bool { return deltas[i].Router < deltas[j].Router })
		out[p] = deltas
	}
	return out
}

// Equal reports whether both states forward every prefix identically.
func (f ForwardingState) Equal(o ForwardingState) bool {
	return len(f.Diff(o)) == 0
}

// String renders the state sorted by prefix and router.
func (f ForwardingState) String() string {
	var prefixes []string
	for p := range f {
		prefixes = append(prefixes, string(p))
	}
	sort.Strings(prefixes)
	var b strings.Builder
	for _, p := range prefixes {
		var routers []string
		for r := range f[Prefix(p)] {
			routers = append(routers, string(r))
		}
		sort.Strings(routers)
		fmt.Fprintf(&b, "%s:", p)
		for _, r := range routers {
			nh := f[Prefix(p)][RouterID(r)]
			if nh == "" {
				nh = "-"
			}
			fmt.Fprintf(&b, " %s->%s", r, nh)
		}
		b.WriteString("\n")
	}
	return b.String()
}
