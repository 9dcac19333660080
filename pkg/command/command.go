// Package command defines the atomic commands a reconfiguration is made of,
// the conditions that tell when a command may start and when it has taken
// effect, and the happens-before graph over commands.
package command

import (
	"fmt"
	"strings"

	"github.com/newtron-network/newtshift/pkg/model"
)

// Kind is the kind of an atomic command.
type Kind string

const (
	// KindPin makes a router keep the route it selects before the change.
	KindPin Kind = "pin-route"
	// KindAddTemp establishes a temporary session.
	KindAddTemp Kind = "add-temp-session"
	// KindUseTemp makes a router hold its old route over a temporary session.
	KindUseTemp Kind = "use-temp-session"
	// KindSwitch moves a router to its new route.
	KindSwitch Kind = "switch-route"
	// KindMain applies the requested configuration change.
	KindMain Kind = "main"
	// KindClear removes every preference the plan set on a router.
	KindClear Kind = "clear-preference"
	// KindRemoveTemp tears a temporary session down.
	KindRemoveTemp Kind = "remove-temp-session"
)

// Route weights used to steer the decision process. Higher wins.
const (
	WeightPin    = 50
	WeightTemp   = 60
	WeightSwitch = 100
)

// ID identifies a command.
type ID string

// MainID is the id of the command carrying the requested change.
const MainID ID = "main"

// Command is one atomic action on a router or session. Commands are created
// by the Builder and never mutated afterwards.
type Command struct {
	ID        ID               `json:"id" yaml:"id"`
	Kind      Kind             `json:"kind" yaml:"kind"`
	Router    model.RouterID   `json:"router,omitempty" yaml:"router,omitempty"`
	Neighbor  model.RouterID   `json:"neighbor,omitempty" yaml:"neighbor,omitempty"`
	Prefix    model.Prefix     `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Modifiers []model.Modifier `json:"modifiers" yaml:"modifiers"`
	Pre       Conditions       `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post      Conditions       `json:"post,omitempty" yaml:"post,omitempty"`
	// Temporary marks commands that exist only because of a temporary session.
	Temporary bool `json:"temporary,omitempty" yaml:"temporary,omitempty"`
	// Effects are the forwarding changes the command is expected to trigger.
	Effects []model.Delta `json:"effects,omitempty" yaml:"effects,omitempty"`
}

func (c *Command) String() string {
	mods := make([]string, len(c.Modifiers))
	for i, m := range c.Modifiers {
		mods[i] = m.String()
	}
	return fmt.Sprintf("%s [%s]", c.ID, strings.Join(mods, "; "))
}

func pinID(r model.RouterID, p model.Prefix) ID {
	return ID(fmt.Sprintf("pin/%s/%s", r, p))
}

func useTempID(r model.RouterID, p model.Prefix) ID {
	return ID(fmt.Sprintf("use-temp/%s/%s", r, p))
}

func switchID(r, via model.RouterID, p model.Prefix) ID {
	return ID(fmt.Sprintf("switch/%s/%s/%s", r, via, p))
}

func clearID(r model.RouterID, p model.Prefix) ID {
	return ID(fmt.Sprintf("clear/%s/%s", r, p))
}

func addTempID(provider, receiver model.RouterID) ID {
	return ID(fmt.Sprintf("add-temp/%s-%s", provider, receiver))
}

func removeTempID(provider, receiver model.RouterID) ID {
	return ID(fmt.Sprintf("remove-temp/%s-%s", provider, receiver))
}

// ConditionKind is the kind of a network condition.
type ConditionKind string

const (
	CondSelectedRoute  ConditionKind = "selected-route"
	CondAvailableRoute ConditionKind = "available-route"
	CondSession        ConditionKind = "session-established"
	CondNoSession      ConditionKind = "session-absent"
	CondForwarding     ConditionKind = "forwarding"
)

// Condition is an observable property of the network.
//
//   - selected-route: Router selects a route for Prefix learned from Neighbor
//     (if set) with egress NextHop (if set).
//   - available-route: Router has such a route in its table.
//   - session-established / session-absent: a session Router-Neighbor.
//   - forwarding: Router forwards Prefix to NextHop ("" means no route).
type Condition struct {
	Kind     ConditionKind  `json:"kind" yaml:"kind"`
	Router   model.RouterID `json:"router" yaml:"router"`
	Prefix   model.Prefix   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Neighbor model.RouterID `json:"neighbor,omitempty" yaml:"neighbor,omitempty"`
	NextHop  model.RouterID `json:"next_hop,omitempty" yaml:"next_hop,omitempty"`
}

// Holds evaluates the condition on a snapshot.
func (c Condition) Holds(s *model.Snapshot) bool {
	switch c.Kind {
	case CondSelectedRoute:
		rt, ok := s.BestRoute(c.Router, c.Prefix)
		return ok && c.matches(rt)
	case CondAvailableRoute:
		for nb, rt := range s.Available[c.Prefix][c.Router] {
			if (c.Neighbor == "" || nb == c.Neighbor) && (c.NextHop == "" || rt.NextHop == c.NextHop) {
				return true
			}
		}
		return false
	case CondSession:
		return s.HasSession(c.Router, c.Neighbor)
	case CondNoSession:
		return !s.HasSession(c.Router, c.Neighbor)
	case CondForwarding:
		return s.Forwarding.NextHop(c.Router, c.Prefix) == c.NextHop
	}
	return false
}

func (c Condition) matches(rt model.Route) bool {
	return (c.Neighbor == "" || rt.From == c.Neighbor) && (c.NextHop == "" || rt.NextHop == c.NextHop)
}

func (c Condition) String() string {
	switch c.Kind {
	case CondSession, CondNoSession:
		return fmt.Sprintf("%s %s-%s", c.Kind, c.Router, c.Neighbor)
	case CondForwarding:
		nh := c.NextHop
		if nh == "" {
			nh = "-"
		}
		return fmt.Sprintf("%s %s %s->%s", c.Kind, c.Prefix, c.Router, nh)
	}
	return fmt.Sprintf("%s %s at %s from %s via %s", c.Kind, c.Prefix, c.Router, c.Neighbor, c.NextHop)
}

// Conditions holds when every condition holds.
type Conditions []Condition

// Holds evaluates all conditions.
func (cs Conditions) Holds(s *model.Snapshot) bool {
	for _, c := range cs {
		if !c.Holds(s) {
			return false
		}
	}
	return true
}

// Failing returns the conditions that do not hold.
func (cs Conditions) Failing(s *model.Snapshot) Conditions {
	var out Conditions
	for _, c := range cs {
		if !c.Holds(s) {
			out = append(out, c)
		}
	}
	return out
}
