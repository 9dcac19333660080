// Package bgp is a deterministic event-queue BGP simulator. It implements
// model.Engine and is what the planner validates plans against and what the
// simulated driver executes them on.
package bgp

import (
	"context"
	"fmt"
	"sort"

	"github.com/iti/rngstream"

	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/util"
)

// DefaultMessageBudget bounds the number of messages one Converge call may
// process before the network is declared oscillating.
const DefaultMessageBudget = 100000

type prefKey struct {
	router   model.RouterID
	neighbor model.RouterID
	prefix   model.Prefix
}

type advKey struct {
	router model.RouterID
	prefix model.Prefix
}

// message is a BGP update (route != nil) or withdraw in flight.
type message struct {
	from   model.RouterID
	to     model.RouterID
	prefix model.Prefix
	route  *model.Route
}

type ribTable map[model.Prefix]map[model.RouterID]map[model.RouterID]model.Route

// Option configures a Network.
type Option func(*Network)

// WithRandomOrder delivers queued messages in a random order drawn from a
// named random stream instead of FIFO.
func WithRandomOrder(stream string) Option {
	return func(n *Network) {
		n.rngName = stream
		n.rng = rngstream.New(stream)
	}
}

// WithMessageBudget overrides DefaultMessageBudget.
func WithMessageBudget(budget int) Option {
	return func(n *Network) {
		n.budget = budget
	}
}

// Network is the simulated network. It is not safe for concurrent use.
type Network struct {
	routers    map[model.RouterID]model.Router
	links      []model.Link
	sessions   map[model.SessionKey]model.Session
	weights    map[prefKey]int
	localPrefs map[prefKey]int
	adverts    map[advKey]int
	prefixes   map[model.Prefix]bool

	ribIn  ribTable
	adjOut ribTable
	best   map[model.Prefix]map[model.RouterID]model.Route
	queue  []message
	routes int

	igp     *igp
	rng     *rngstream.RngStream
	rngName string
	budget  int
}

// New creates a network with the given routers and IGP links and no
// sessions.
func New(routers []model.Router, links []model.Link, opts ...Option) *Network {
	n := &Network{
		routers:    make(map[model.RouterID]model.Router, len(routers)),
		links:      append([]model.Link(nil), links...),
		sessions:   make(map[model.SessionKey]model.Session),
		weights:    make(map[prefKey]int),
		localPrefs: make(map[prefKey]int),
		adverts:    make(map[advKey]int),
		prefixes:   make(map[model.Prefix]bool),
		ribIn:      make(ribTable),
		adjOut:     make(ribTable),
		best:       make(map[model.Prefix]map[model.RouterID]model.Route),
		budget:     DefaultMessageBudget,
	}
	var internal []model.RouterID
	for _, r := range routers {
		n.routers[r.ID] = r
		if !r.IsExternal() {
			internal = append(internal, r.ID)
		}
	}
	sort.Slice(internal, func(i, j int) bool { return internal[i] < internal[j] })
	n.igp = newIGP(internal, links)
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Build creates a network, applies mods and converges.
func Build(ctx context.Context, routers []model.Router, links []model.Link, mods []model.Modifier, opts ...Option) (*Network, error) {
	n := New(routers, links, opts...)
	for _, m := range mods {
		if err := n.Apply(m); err != nil {
			return nil, err
		}
	}
	if _, err := n.Converge(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Clone implements model.Engine.
func (n *Network) Clone() model.Engine {
	return n.Copy()
}

// Copy returns an independent copy. A randomized network gets a fresh
// stream with the same name.
func (n *Network) Copy() *Network {
	c := &Network{
		routers:    n.routers,
		links:      n.links,
		sessions:   make(map[model.SessionKey]model.Session, len(n.sessions)),
		weights:    make(map[prefKey]int, len(n.weights)),
		localPrefs: make(map[prefKey]int, len(n.localPrefs)),
		adverts:    make(map[advKey]int, len(n.adverts)),
		prefixes:   make(map[model.Prefix]bool, len(n.prefixes)),
		ribIn:      n.ribIn.clone(),
		adjOut:     n.adjOut.clone(),
		best:       make(map[model.Prefix]map[model.RouterID]model.Route, len(n.best)),
		queue:      append([]message(nil), n.queue...),
		routes:     n.routes,
		igp:        n.igp,
		budget:     n.budget,
		rngName:    n.rngName,
	}
	for k, v := range n.sessions {
		c.sessions[k] = v
	}
	for k, v := range n.weights {
		c.weights[k] = v
	}
	for k, v := range n.localPrefs {
		c.localPrefs[k] = v
	}
	for k, v := range n.adverts {
		c.adverts[k] = v
	}
	for k, v := range n.prefixes {
		c.prefixes[k] = v
	}
	for p, m := range n.best {
		cm := make(map[model.RouterID]model.Route, len(m))
		for r, rt := range m {
			cm[r] = rt
		}
		c.best[p] = cm
	}
	if n.rngName != "" {
		c.rng = rngstream.New(n.rngName)
	}
	return c
}

func (t ribTable) clone() ribTable {
	out := make(ribTable, len(t))
	for p, byRouter := range t {
		cr := make(map[model.RouterID]map[model.RouterID]model.Route, len(byRouter))
		for r, byNeighbor := range byRouter {
			cn := make(map[model.RouterID]model.Route, len(byNeighbor))
			for nb, rt := range byNeighbor {
				cn[nb] = rt
			}
			cr[r] = cn
		}
		out[p] = cr
	}
	return out
}

func (t ribTable) get(p model.Prefix, r, nb model.RouterID) (model.Route, bool) {
	rt, ok := t[p][r][nb]
	return rt, ok
}

// put stores a route and reports whether the key is new.
func (t ribTable) put(p model.Prefix, r, nb model.RouterID, rt model.Route) bool {
	byRouter, ok := t[p]
	if !ok {
		byRouter = make(map[model.RouterID]map[model.RouterID]model.Route)
		t[p] = byRouter
	}
	byNeighbor, ok := byRouter[r]
	if !ok {
		byNeighbor = make(map[model.RouterID]model.Route)
		byRouter[r] = byNeighbor
	}
	_, existed := byNeighbor[nb]
	byNeighbor[nb] = rt
	return !existed
}

// del removes a route and reports whether it existed.
func (t ribTable) del(p model.Prefix, r, nb model.RouterID) bool {
	if _, ok := t[p][r][nb]; !ok {
		return false
	}
	delete(t[p][r], nb)
	return true
}

// Apply implements model.Engine.
func (n *Network) Apply(m model.Modifier) error {
	for _, r := range m.Routers() {
		if _, ok := n.routers[r]; !ok {
			return fmt.Errorf("%s: router %q: %w", m.Kind, r, util.ErrNotFound)
		}
	}
	switch m.Kind {
	case model.ModAddSession:
		return n.addSession(m.Session())
	case model.ModRemoveSession:
		return n.removeSession(m.A, m.B)
	case model.ModSetWeight:
		n.weights[prefKey{m.A, m.B, m.Prefix}] = m.Value
		n.reselect(m.A, m.Prefix)
	case model.ModClearWeight:
		delete(n.weights, prefKey{m.A, m.B, m.Prefix})
		n.reselect(m.A, m.Prefix)
	case model.ModSetLocalPref:
		n.localPrefs[prefKey{m.A, m.B, m.Prefix}] = m.Value
		n.reselect(m.A, m.Prefix)
	case model.ModClearLocalPref:
		delete(n.localPrefs, prefKey{m.A, m.B, m.Prefix})
		n.reselect(m.A, m.Prefix)
	case model.ModAdvertise:
		if !n.routers[m.A].IsExternal() {
			return fmt.Errorf("advertise: %s is not an external router: %w", m.A, util.ErrInvalidConfig)
		}
		pathLen := m.Value
		if pathLen <= 0 {
			pathLen = 1
		}
		n.adverts[advKey{m.A, m.Prefix}] = pathLen
		n.prefixes[m.Prefix] = true
		n.reselect(m.A, m.Prefix)
	case model.ModWithdraw:
		delete(n.adverts, advKey{m.A, m.Prefix})
		n.reselect(m.A, m.Prefix)
	default:
		return fmt.Errorf("unknown modifier %q: %w", m.Kind, util.ErrInvalidConfig)
	}
	return nil
}

func (n *Network) addSession(s model.Session) error {
	if s.A == s.B {
		return fmt.Errorf("add-session: %s with itself: %w", s.A, util.ErrInvalidConfig)
	}
	if _, ok := n.sessionBetween(s.A, s.B); ok {
		return fmt.Errorf("add-session: %s and %s already peer: %w", s.A, s.B, util.ErrInvalidConfig)
	}
	extA, extB := n.routers[s.A].IsExternal(), n.routers[s.B].IsExternal()
	if (s.Type == model.SessionEBGP) != (extA || extB) {
		return fmt.Errorf("add-session %s: %s requires exactly the external end to be external: %w", s, s.Type, util.ErrInvalidConfig)
	}
	if extA && extB {
		return fmt.Errorf("add-session %s: both ends external: %w", s, util.ErrInvalidConfig)
	}
	n.sessions[s.Key()] = s
	for p := range n.prefixes {
		n.exportTo(s.A, s.B, s, p)
		n.exportTo(s.B, s.A, s, p)
	}
	return nil
}

func (n *Network) removeSession(a, b model.RouterID) error {
	s, ok := n.sessionBetween(a, b)
	if !ok {
		return fmt.Errorf("remove-session: %s-%s: %w", a, b, util.ErrNotFound)
	}
	delete(n.sessions, s.Key())
	for p := range n.prefixes {
		n.adjOut.del(p, s.A, s.B)
		n.adjOut.del(p, s.B, s.A)
		if n.ribIn.del(p, s.A, s.B) {
			n.routes--
		}
		if n.ribIn.del(p, s.B, s.A) {
			n.routes--
		}
		n.reselect(s.A, p)
		n.reselect(s.B, p)
	}
	return nil
}

func (n *Network) sessionBetween(a, b model.RouterID) (model.Session, bool) {
	for _, k := range []model.SessionKey{model.NewSessionKey(a, b), {A: a, B: b}, {A: b, B: a}} {
		if s, ok := n.sessions[k]; ok {
			return s, true
		}
	}
	return model.Session{}, false
}

// sessionsOf returns the sessions router r takes part in, sorted by peer.
func (n *Network) sessionsOf(r model.RouterID) []model.Session {
	var out []model.Session
	for _, s := range n.sessions {
		if s.A == r || s.B == r {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer(r) < out[j].Peer(r) })
	return out
}

// learnedAs classifies a session from the receiving router's point of view.
func learnedAs(s model.Session, receiver model.RouterID) model.SessionType {
	switch s.Type {
	case model.SessionClient:
		if s.A == receiver {
			return model.SessionClient
		}
		return model.SessionIBGP
	default:
		return s.Type
	}
}

func (n *Network) reselect(r model.RouterID, p model.Prefix) {
	next, ok := n.decide(r, p)
	old, had := n.best[p][r]
	if ok == had && (!ok || old == next) {
		return
	}
	if ok {
		if n.best[p] == nil {
			n.best[p] = make(map[model.RouterID]model.Route)
		}
		n.best[p][r] = next
	} else {
		delete(n.best[p], r)
	}
	for _, s := range n.sessionsOf(r) {
		n.exportTo(r, s.Peer(r), s, p)
	}
}

// exportTo queues an update or withdraw from r to peer when what r should
// advertise differs from what it last advertised.
func (n *Network) exportTo(r, peer model.RouterID, s model.Session, p model.Prefix) {
	out := n.exportRoute(r, peer, s, p)
	prev, had := n.adjOut.get(p, r, peer)
	switch {
	case out == nil && !had:
		return
	case out != nil && had && prev == *out:
		return
	}
	if out == nil {
		n.adjOut.del(p, r, peer)
	} else {
		n.adjOut.put(p, r, peer, *out)
	}
	n.queue = append(n.queue, message{from: r, to: peer, prefix: p, route: out})
}

func (n *Network) exportRoute(r, peer model.RouterID, s model.Session, p model.Prefix) *model.Route {
	best, ok := n.best[p][r]
	if !ok {
		return nil
	}
	if n.routers[r].IsExternal() {
		if s.Type != model.SessionEBGP {
			return nil
		}
		out := best
		return &out
	}
	if n.routers[peer].IsExternal() {
		return nil
	}
	if best.From == peer || best.NextHop == peer || best.FromType == model.SessionTemporary {
		return nil
	}
	fromPeerOrRR := best.FromType != model.SessionEBGP && best.FromType != model.SessionClient
	switch s.Type {
	case model.SessionTemporary:
		if s.A != r {
			return nil
		}
	case model.SessionIBGP:
		if fromPeerOrRR {
			return nil
		}
	case model.SessionClient:
		// r is the client sending up to its reflector
		if s.B == r && fromPeerOrRR {
			return nil
		}
	default:
		return nil
	}
	out := best
	out.From = r
	out.Weight = 0
	if best.FromType == model.SessionEBGP {
		out.NextHop = r
	}
	return &out
}

// decide runs the decision process of r for p.
func (n *Network) decide(r model.RouterID, p model.Prefix) (model.Route, bool) {
	if n.routers[r].IsExternal() {
		pathLen, ok := n.adverts[advKey{r, p}]
		if !ok {
			return model.Route{}, false
		}
		return model.Route{Prefix: p, Origin: r, NextHop: r, From: r, FromType: model.SessionEBGP, ASPathLen: pathLen}, true
	}
	var (
		best     model.Route
		bestCost float64
		found    bool
	)
	for nb, rt := range n.ribIn[p][r] {
		eff := n.effective(r, nb, p, rt)
		cost := 0.0
		if eff.FromType != model.SessionEBGP {
			cost = n.igp.cost(r, eff.NextHop)
			if n.igp.firstHop(r, eff.NextHop) == "" {
				continue
			}
		}
		if !found || better(eff, cost, best, bestCost) {
			best, bestCost, found = eff, cost, true
		}
	}
	return best, found
}

func (n *Network) effective(r, nb model.RouterID, p model.Prefix, rt model.Route) model.Route {
	eff := rt
	eff.Weight = n.weights[prefKey{r, nb, p}]
	if lp, ok := n.localPrefs[prefKey{r, nb, p}]; ok {
		eff.LocalPref = lp
	} else if eff.FromType == model.SessionEBGP || eff.LocalPref == 0 {
		eff.LocalPref = 100
	}
	return eff
}

// better reports whether a beats b in the BGP decision process.
func better(a model.Route, costA float64, b model.Route, costB float64) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if a.LocalPref != b.LocalPref {
		return a.LocalPref > b.LocalPref
	}
	if a.ASPathLen != b.ASPathLen {
		return a.ASPathLen < b.ASPathLen
	}
	if a.MED != b.MED {
		return a.MED < b.MED
	}
	aE, bE := a.FromType == model.SessionEBGP, b.FromType == model.SessionEBGP
	if aE != bE {
		return aE
	}
	if costA != costB {
		return costA < costB
	}
	return a.From < b.From
}

// deliver processes one message at its receiver.
func (n *Network) deliver(m message) {
	s, ok := n.sessionBetween(m.from, m.to)
	if !ok {
		return
	}
	if m.route == nil || m.route.NextHop == m.to {
		if n.ribIn.del(m.prefix, m.to, m.from) {
			n.routes--
		}
	} else {
		rt := *m.route
		rt.FromType = learnedAs(s, m.to)
		if n.ribIn.put(m.prefix, m.to, m.from, rt) {
			n.routes++
		}
	}
	n.reselect(m.to, m.prefix)
}

// Pending returns the number of queued messages.
func (n *Network) Pending() int {
	return len(n.queue)
}

// Step delivers one queued message. It returns false if the queue is empty.
func (n *Network) Step() bool {
	if len(n.queue) == 0 {
		return false
	}
	i := 0
	if n.rng != nil && len(n.queue) > 1 {
		i = n.rng.RandInt(0, len(n.queue)-1)
	}
	m := n.queue[i]
	n.queue = append(n.queue[:i], n.queue[i+1:]...)
	n.deliver(m)
	return true
}

// Converge implements model.Engine.
func (n *Network) Converge(ctx context.Context) (model.Stats, error) {
	stats := model.Stats{Routes: n.routes, MaxRoutes: n.routes}
	for n.Step() {
		stats.Messages++
		if n.routes > stats.MaxRoutes {
			stats.MaxRoutes = n.routes
		}
		if stats.Messages%256 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
		if stats.Messages >= n.budget && len(n.queue) > 0 {
			return stats, fmt.Errorf("%d messages still queued after %d delivered: %w", len(n.queue), stats.Messages, util.ErrNoConvergence)
		}
	}
	stats.Routes = n.routes
	return stats, nil
}

// Forwarding computes the forwarding state of every internal router.
func (n *Network) Forwarding() model.ForwardingState {
	fw := make(model.ForwardingState)
	for p := range n.prefixes {
		for id, r := range n.routers {
			if r.IsExternal() {
				continue
			}
			fw.Set(id, p, n.nextHop(id, p))
		}
	}
	return fw
}

func (n *Network) nextHop(r model.RouterID, p model.Prefix) model.RouterID {
	best, ok := n.best[p][r]
	if !ok {
		return ""
	}
	if best.FromType == model.SessionEBGP {
		return best.NextHop
	}
	return n.igp.firstHop(r, best.NextHop)
}

// Snapshot implements model.Engine.
func (n *Network) Snapshot() *model.Snapshot {
	snap := &model.Snapshot{
		Links:      append([]model.Link(nil), n.links...),
		Routes:     make(map[model.Prefix]map[model.RouterID]model.Route),
		Forwarding: n.Forwarding(),
		Available:  make(map[model.Prefix]map[model.RouterID]map[model.RouterID]model.Route),
	}
	for _, r := range n.routers {
		snap.Routers = append(snap.Routers, r)
	}
	sort.Slice(snap.Routers, func(i, j int) bool { return snap.Routers[i].ID < snap.Routers[j].ID })
	for _, s := range n.sessions {
		snap.Sessions = append(snap.Sessions, s)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		if snap.Sessions[i].A != snap.Sessions[j].A {
			return snap.Sessions[i].A < snap.Sessions[j].A
		}
		return snap.Sessions[i].B < snap.Sessions[j].B
	})
	for p, byRouter := range n.best {
		for r, rt := range byRouter {
			if n.routers[r].IsExternal() {
				continue
			}
			if snap.Routes[p] == nil {
				snap.Routes[p] = make(map[model.RouterID]model.Route)
			}
			snap.Routes[p][r] = rt
		}
	}
	for p, byRouter := range n.ribIn {
		snap.Available[p] = make(map[model.RouterID]map[model.RouterID]model.Route, len(byRouter))
		for r, byNeighbor := range byRouter {
			m := make(map[model.RouterID]model.Route, len(byNeighbor))
			for nb, rt := range byNeighbor {
				m[nb] = n.effective(r, nb, p, rt)
			}
			snap.Available[p][r] = m
		}
	}
	return snap
}
