package command

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/spec"
	"github.com/newtron-network/newtshift/pkg/util"
)

// Reason tells why one command must happen before another.
type Reason string

const (
	// ReasonStructural: the second command relies on state the first sets
	// up, e.g. a session or a pin.
	ReasonStructural Reason = "structural"
	// ReasonPropagation: the second router needs the route the first one
	// selects (or must stop relying on it first).
	ReasonPropagation Reason = "propagation"
	// ReasonLoop: ordering chosen to avoid a transient forwarding loop.
	ReasonLoop Reason = "loop"
	// ReasonValidation: ordering learned from a failed validation replay.
	ReasonValidation Reason = "validation"
)

// Dependency states that Before must complete before After is dispatched.
type Dependency struct {
	Before ID     `json:"before" yaml:"before"`
	After  ID     `json:"after" yaml:"after"`
	Reason Reason `json:"reason" yaml:"reason"`
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s -> %s (%s)", d.Before, d.After, d.Reason)
}

// Placement is where the main command sits relative to the switches of one
// prefix.
type Placement string

const (
	// MainFirst: routers move to their new route after the main command.
	MainFirst Placement = "main-first"
	// MainLast: routers move while their old route is still there.
	MainLast Placement = "main-last"
)

// TempOption is a temporary session a router may use on one side of its
// switch: to keep its old route alive or to learn the new one early.
type TempOption struct {
	Provider model.RouterID `json:"provider"`
	Add      ID             `json:"add"`
	Remove   ID             `json:"remove"`
	// Use holds the old route over the session. Old side only.
	Use ID `json:"use,omitempty"`
	// Switch moves to the new route over the session. New side only.
	Switch ID `json:"switch,omitempty"`
}

// Change describes how one router moves for one prefix.
type Change struct {
	Router    model.RouterID `json:"router"`
	Delta     model.Delta    `json:"delta"`
	OldFrom   model.RouterID `json:"old_from,omitempty"`
	NewFrom   model.RouterID `json:"new_from,omitempty"`
	OldEgress model.RouterID `json:"old_egress,omitempty"`
	NewEgress model.RouterID `json:"new_egress,omitempty"`

	// A follower keeps learning from the same neighbor and moves when that
	// neighbor moves. Trigger is that neighbor, or "" for the main command.
	Follower bool           `json:"follower,omitempty"`
	Trigger  model.RouterID `json:"trigger,omitempty"`
	// Coupled routers move with the main command itself.
	Coupled bool `json:"coupled,omitempty"`

	Pin    ID `json:"pin,omitempty"`
	Switch ID `json:"switch,omitempty"`
	Clear  ID `json:"clear,omitempty"`

	TempOld *TempOption `json:"temp_old,omitempty"`
	TempNew *TempOption `json:"temp_new,omitempty"`
}

// LoopRisk is a forwarding cycle of the union of the before and after states.
// It can only form while every router in Old still uses its old next hop and
// every router in New already uses its new one.
type LoopRisk struct {
	Cycle []model.RouterID `json:"cycle"`
	Old   []model.RouterID `json:"old"`
	New   []model.RouterID `json:"new"`
}

// Transition is the scheduling problem of one prefix.
type Transition struct {
	Prefix    model.Prefix                      `json:"prefix"`
	Placement Placement                         `json:"placement"`
	Before    map[model.RouterID]model.RouterID `json:"before"`
	After     map[model.RouterID]model.RouterID `json:"after"`
	Changes   []*Change                         `json:"changes"`
	Loops     []LoopRisk                        `json:"loops,omitempty"`
}

// Change returns the change of router r, or nil if r does not change.
func (t *Transition) Change(r model.RouterID) *Change {
	for _, c := range t.Changes {
		if c.Router == r {
			return c
		}
	}
	return nil
}

// Graph is the command and dependency graph of one reconfiguration. It holds
// every command a plan may use. Optional commands (temporary sessions and
// the switches over them) are only part of a plan if the solver picks them.
type Graph struct {
	Before      *model.Snapshot
	After       *model.Snapshot
	Main        []model.Modifier
	Spec        *spec.Specification
	Commands    map[ID]*Command
	Edges       []Dependency
	Transitions []*Transition
	// Uncovered prefixes change forwarding but carry no constraint. They
	// simply follow the main command.
	Uncovered []model.Prefix
}

func newGraph() *Graph {
	return &Graph{Commands: make(map[ID]*Command)}
}

func (g *Graph) add(c *Command) *Command {
	if prev, ok := g.Commands[c.ID]; ok {
		return prev
	}
	g.Commands[c.ID] = c
	return c
}

func (g *Graph) edge(before, after ID, reason Reason) {
	if before == "" || after == "" || before == after {
		return
	}
	for _, e := range g.Edges {
		if e.Before == before && e.After == after {
			return
		}
	}
	g.Edges = append(g.Edges, Dependency{Before: before, After: after, Reason: reason})
}

// Command returns the command with the given id, or nil.
func (g *Graph) Command(id ID) *Command {
	return g.Commands[id]
}

// IDs returns all command ids, sorted.
func (g *Graph) IDs() []ID {
	ids := make([]ID, 0, len(g.Commands))
	for id := range g.Commands {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Transition returns the scheduling problem of p, or nil.
func (g *Graph) Transition(p model.Prefix) *Transition {
	for _, t := range g.Transitions {
		if t.Prefix == p {
			return t
		}
	}
	return nil
}

// EdgesAmong returns the edges whose both ends are in selected.
func (g *Graph) EdgesAmong(selected map[ID]bool) []Dependency {
	var out []Dependency
	for _, e := range g.Edges {
		if selected[e.Before] && selected[e.After] {
			out = append(out, e)
		}
	}
	return out
}

// TopoSort orders ids so that every edge points forward. Ties are broken by
// id. It fails with ErrUnsatisfiable naming the cyclic commands.
func TopoSort(ids []ID, edges []Dependency) ([]ID, error) {
	index := make(map[ID]int64, len(ids))
	sorted := append([]ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	g := simple.NewDirectedGraph()
	for i, id := range sorted {
		index[id] = int64(i)
		g.AddNode(simple.Node(i))
	}
	for _, e := range edges {
		from, ok1 := index[e.Before]
		to, ok2 := index[e.After]
		if !ok1 || !ok2 || from == to {
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
	}
	nodes, err := topo.SortStabilized(g, nil)
	if err != nil {
		cyc, _ := err.(topo.Unorderable)
		var names []string
		for _, comp := range cyc {
			for _, n := range comp {
				names = append(names, string(sorted[n.ID()]))
			}
		}
		return nil, util.NewUnsatisfiableError("dependency cycle involving: " + strings.Join(names, ", "))
	}
	out := make([]ID, len(nodes))
	for i, n := range nodes {
		out[i] = sorted[n.ID()]
	}
	return out, nil
}

// unionCycles enumerates the elementary forwarding cycles of the union of
// before and after among internal routers.
func unionCycles(routers []model.RouterID, before, after map[model.RouterID]model.RouterID) [][]model.RouterID {
	index := make(map[model.RouterID]int64, len(routers))
	g := simple.NewDirectedGraph()
	for i, r := range routers {
		index[r] = int64(i)
		g.AddNode(simple.Node(i))
	}
	link := func(from, to model.RouterID) {
		f, ok1 := index[from]
		t, ok2 := index[to]
		if ok1 && ok2 && f != t {
			g.SetEdge(simple.Edge{F: simple.Node(f), T: simple.Node(t)})
		}
	}
	for _, r := range routers {
		link(r, before[r])
		link(r, after[r])
	}
	var out [][]model.RouterID
	for _, cycle := range topo.DirectedCyclesIn(g) {
		ids := make([]model.RouterID, 0, len(cycle))
		for _, n := range nodeList(cycle) {
			ids = append(ids, routers[n.ID()])
		}
		out = append(out, ids)
	}
	return out
}

// nodeList drops the closing node of a cycle returned by gonum.
func nodeList(cycle []graph.Node) []graph.Node {
	if n := len(cycle); n > 1 && cycle[0].ID() == cycle[n-1].ID() {
		return cycle[:n-1]
	}
	return cycle
}
