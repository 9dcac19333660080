package bgp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/newtron-network/newtshift/pkg/model"
)

// igp holds all-pairs shortest paths over the internal IGP links.
type igp struct {
	ids   map[model.RouterID]int64
	names []model.RouterID
	all   path.AllShortest
}

func newIGP(internal []model.RouterID, links []model.Link) *igp {
	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	t := &igp{ids: make(map[model.RouterID]int64, len(internal))}
	for i, r := range internal {
		t.ids[r] = int64(i)
		t.names = append(t.names, r)
		g.AddNode(simple.Node(i))
	}
	for _, l := range links {
		a, okA := t.ids[l.A]
		b, okB := t.ids[l.B]
		if !okA || !okB || a == b {
			continue
		}
		w := l.Weight
		if w <= 0 {
			w = 1
		}
		g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(a), T: simple.Node(b), W: w})
	}
	t.all = path.DijkstraAllPaths(g)
	return t
}

// cost returns the IGP distance between two internal routers.
func (t *igp) cost(from, to model.RouterID) float64 {
	if from == to {
		return 0
	}
	a, okA := t.ids[from]
	b, okB := t.ids[to]
	if !okA || !okB {
		return math.Inf(1)
	}
	return t.all.Weight(a, b)
}

// firstHop returns the first router after from on a shortest path to to.
// Among equal-cost paths the lowest router id wins.
func (t *igp) firstHop(from, to model.RouterID) model.RouterID {
	a, okA := t.ids[from]
	b, okB := t.ids[to]
	if !okA || !okB || a == b {
		return ""
	}
	paths, w := t.all.AllBetween(a, b)
	if math.IsInf(w, 1) || len(paths) == 0 {
		return ""
	}
	var hops []model.RouterID
	for _, p := range paths {
		if len(p) > 1 {
			hops = append(hops, t.names[p[1].ID()])
		}
	}
	if len(hops) == 0 {
		return ""
	}
	sort.Slice(hops, func(i, j int) bool { return hops[i] < hops[j] })
	return hops[0]
}
