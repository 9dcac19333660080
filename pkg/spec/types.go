// Package spec models the routing specification: per-router reachability,
// waypoint and egress constraints that must hold in the target state and,
// unless scoped otherwise, in every transient state of a reconfiguration.
package spec

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/util"
)

// Kind is the property a constraint asserts about a forwarding path.
type Kind string

const (
	// KindReachable: traffic leaves the AS (no black hole, no loop).
	KindReachable Kind = "reachable"
	// KindWaypoint: reachable, and the path crosses one of Waypoints.
	KindWaypoint Kind = "waypoint"
	// KindEgress: reachable, and the path leaves through one of Egress.
	KindEgress Kind = "egress"
	// KindLoopFree: the path never loops. Black holes are tolerated.
	KindLoopFree Kind = "loop-free"
	// KindSwitchEgress: reachable, leaving through one of From until the
	// path first leaves through one of Egress, and through Egress from then
	// on. The switch happens once and the target leaves through Egress.
	KindSwitchEgress Kind = "switch-egress"
)

// Scope tags when a constraint must hold.
type Scope string

const (
	// ScopeAlways constraints hold in every state, transient ones included.
	ScopeAlways Scope = "always"
	// ScopeFinal constraints only need to hold in the target state.
	ScopeFinal Scope = "final"
)

// Constraint is one requirement on the path of Router towards Prefix.
type Constraint struct {
	Router    model.RouterID   `json:"router" yaml:"router"`
	Prefix    model.Prefix     `json:"prefix" yaml:"prefix"`
	Kind      Kind             `json:"kind" yaml:"kind"`
	Waypoints []model.RouterID `json:"waypoints,omitempty" yaml:"waypoints,omitempty"`
	Egress    []model.RouterID `json:"egress,omitempty" yaml:"egress,omitempty"`
	From      []model.RouterID `json:"from,omitempty" yaml:"from,omitempty"`
	Scope     Scope            `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// Transient reports whether the constraint must hold in transient states.
func (c Constraint) Transient() bool {
	return c.Scope != ScopeFinal
}

func (c Constraint) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", c.Router, c.Kind, c.Prefix)
	switch c.Kind {
	case KindWaypoint:
		fmt.Fprintf(&b, " via %s", joinIDs(c.Waypoints))
	case KindEgress:
		fmt.Fprintf(&b, " exit %s", joinIDs(c.Egress))
	case KindSwitchEgress:
		fmt.Fprintf(&b, " exit %s then %s", joinIDs(c.From), joinIDs(c.Egress))
	}
	if c.Scope == ScopeFinal {
		b.WriteString(" (final)")
	}
	return b.String()
}

func joinIDs(ids []model.RouterID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, "|")
}

// Specification is the set of constraints of one reconfiguration.
type Specification struct {
	Constraints []Constraint `json:"constraints" yaml:"constraints"`
}

// ForPrefix returns the constraints on p.
func (s *Specification) ForPrefix(p model.Prefix) []Constraint {
	var out []Constraint
	for _, c := range s.Constraints {
		if c.Prefix == p {
			out = append(out, c)
		}
	}
	return out
}

// Prefixes returns the sorted prefixes the specification covers.
func (s *Specification) Prefixes() []model.Prefix {
	seen := make(map[model.Prefix]bool)
	var out []model.Prefix
	for _, c := range s.Constraints {
		if !seen[c.Prefix] {
			seen[c.Prefix] = true
			out = append(out, c.Prefix)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks the constraints against the routers of the network: every
// referenced router must exist and each kind must carry its arguments.
func (s *Specification) Validate(routers []model.Router) error {
	known := make(map[model.RouterID]model.Router, len(routers))
	for _, r := range routers {
		known[r.ID] = r
	}
	v := &util.ValidationBuilder{}
	for i, c := range s.Constraints {
		where := fmt.Sprintf("constraint %d (%s)", i, c)
		r, ok := known[c.Router]
		v.Add(ok, where+": unknown router "+string(c.Router))
		if ok {
			v.Add(!r.IsExternal(), where+": constrained router must be internal")
		}
		v.Add(c.Prefix != "", where+": prefix required")
		switch c.Kind {
		case KindReachable, KindLoopFree:
		case KindWaypoint:
			v.Add(len(c.Waypoints) > 0, where+": waypoint constraint needs waypoints")
		case KindEgress:
			v.Add(len(c.Egress) > 0, where+": egress constraint needs egress routers")
		case KindSwitchEgress:
			v.Add(len(c.From) > 0 && len(c.Egress) > 0, where+": switch-egress constraint needs from and egress routers")
		default:
			v.AddErrorf("%s: unknown kind %q", where, c.Kind)
		}
		refs := append(append(append([]model.RouterID(nil), c.Waypoints...), c.Egress...), c.From...)
		for _, w := range refs {
			_, ok := known[w]
			v.Add(ok, where+": unknown router "+string(w))
		}
		switch c.Scope {
		case "", ScopeAlways, ScopeFinal:
		default:
			v.AddErrorf("%s: unknown scope %q", where, c.Scope)
		}
	}
	return v.Build()
}

// Everywhere returns a specification requiring every internal router to
// reach every prefix at all times.
func Everywhere(routers []model.Router, prefixes []model.Prefix) *Specification {
	s := &Specification{}
	for _, p := range prefixes {
		for _, r := range routers {
			if r.IsExternal() {
				continue
			}
			s.Constraints = append(s.Constraints, Constraint{Router: r.ID, Prefix: p, Kind: KindReachable})
		}
	}
	return s
}

// Parse decodes a YAML specification.
func Parse(data []byte) (*Specification, error) {
	var s Specification
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing specification: %w", err)
	}
	for i := range s.Constraints {
		if s.Constraints[i].Scope == "" {
			s.Constraints[i].Scope = ScopeAlways
		}
	}
	return &s, nil
}

// Load reads a YAML specification file.
func Load(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading specification %s: %w", path, err)
	}
	return Parse(data)
}
