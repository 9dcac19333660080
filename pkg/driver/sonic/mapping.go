package sonic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/util"
)

// Names of the route maps and prefix sets the driver owns.
const (
	routeMapDenyAll = "NEWTSHIFT_DENY_ALL"
	routeMapInPfx   = "NEWTSHIFT_IN_"
	prefixSetPfx    = "NEWTSHIFT_PFX_"
	// permitSeq is the catch-all rule closing every inbound route map.
	permitSeq = 65535
)

// Ops translates a modifier into CONFIG_DB changes. Routers outside the lab
// are skipped for sessions; every other modifier must act on a managed
// router.
func (l *Lab) Ops(m model.Modifier) ([]Op, error) {
	switch m.Kind {
	case model.ModAddSession:
		return l.sessionOps(m, false)
	case model.ModRemoveSession:
		return l.sessionOps(m, true)
	case model.ModSetWeight, model.ModClearWeight, model.ModSetLocalPref, model.ModClearLocalPref:
		return l.preferenceOps(m)
	case model.ModAdvertise, model.ModWithdraw:
		if !l.Manages(m.A) {
			return nil, fmt.Errorf("%s: %s is not a managed switch: %w", m, m.A, util.ErrInvalidConfig)
		}
		op := Op{Device: m.A, Table: TableBGPNetwork, Key: l.key(l.AddressFamily, string(m.Prefix)), Delete: m.Kind == model.ModWithdraw}
		return []Op{op}, nil
	}
	return nil, fmt.Errorf("modifier kind %q: %w", m.Kind, util.ErrInvalidConfig)
}

func (l *Lab) key(parts ...string) string {
	return l.VRF + "|" + strings.Join(parts, "|")
}

func (l *Lab) sessionOps(m model.Modifier, remove bool) ([]Op, error) {
	var ops []Op
	for _, end := range [][2]model.RouterID{{m.A, m.B}, {m.B, m.A}} {
		local, peer := end[0], end[1]
		if !l.Manages(local) {
			continue
		}
		addr, err := l.Addr(local, peer)
		if err != nil {
			return nil, err
		}
		nbKey := l.key(addr)
		afKey := l.key(addr, l.AddressFamily)
		if remove {
			ops = append(ops,
				Op{Device: local, Table: TableBGPNeighborAF, Key: afKey, Delete: true},
				Op{Device: local, Table: TableBGPNeighbor, Key: nbKey, Delete: true})
			continue
		}

		nb := BGPNeighborEntry{ASN: strconv.Itoa(l.ASN[peer]), Name: string(peer), AdminStatus: "up"}
		af := BGPNeighborAFEntry{Activate: "true"}
		switch m.SessionType {
		case model.SessionClient:
			if local == m.A {
				af.RouteReflectorClient = "true"
			}
		case model.SessionIBGP:
			af.NextHopSelf = "true"
		case model.SessionTemporary:
			// One way: the provider ignores what it hears, the receiver
			// never passes the route on.
			ops = append(ops, Op{Device: local, Table: TableRouteMap, Key: routeMapDenyAll + "|10",
				Fields: RouteMapEntry{Action: "deny"}.fields()})
			if local == m.A {
				af.RouteMapIn = routeMapDenyAll
			} else {
				af.RouteMapOut = routeMapDenyAll
			}
		}
		ops = append(ops,
			Op{Device: local, Table: TableBGPNeighbor, Key: nbKey, Fields: nb.fields()},
			Op{Device: local, Table: TableBGPNeighborAF, Key: afKey, Fields: af.fields()})
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%s: neither end is a managed switch: %w", m, util.ErrInvalidConfig)
	}
	return ops, nil
}

func (l *Lab) preferenceOps(m model.Modifier) ([]Op, error) {
	if !l.Manages(m.A) {
		return nil, fmt.Errorf("%s: %s is not a managed switch: %w", m, m.A, util.ErrInvalidConfig)
	}
	addr, err := l.Addr(m.A, m.B)
	if err != nil {
		return nil, err
	}
	seq, err := l.seq(m.Prefix)
	if err != nil {
		return nil, err
	}
	rmap := routeMapInPfx + strings.ToUpper(string(m.B))
	rule := fmt.Sprintf("%s|%d", rmap, seq)

	field := "set_weight"
	if m.Kind == model.ModSetLocalPref || m.Kind == model.ModClearLocalPref {
		field = "set_local_pref"
	}
	if m.Kind == model.ModClearWeight || m.Kind == model.ModClearLocalPref {
		return []Op{{Device: m.A, Table: TableRouteMap, Key: rule, DeleteFields: []string{field}}}, nil
	}

	pset := fmt.Sprintf("%s%d", prefixSetPfx, seq)
	entry := RouteMapEntry{Action: "permit", MatchPrefixSet: pset}
	if field == "set_weight" {
		entry.SetWeight = strconv.Itoa(m.Value)
	} else {
		entry.SetLocalPref = strconv.Itoa(m.Value)
	}
	return []Op{
		{Device: m.A, Table: TablePrefixSet, Key: pset + "|10", Fields: PrefixSetEntry{IPPrefix: string(m.Prefix), Action: "permit"}.fields()},
		{Device: m.A, Table: TableRouteMap, Key: rule, Fields: entry.fields()},
		{Device: m.A, Table: TableRouteMap, Key: fmt.Sprintf("%s|%d", rmap, permitSeq), Fields: RouteMapEntry{Action: "permit"}.fields()},
		{Device: m.A, Table: TableBGPNeighborAF, Key: l.key(addr, l.AddressFamily), Fields: BGPNeighborAFEntry{RouteMapIn: rmap}.fields()},
	}, nil
}

// OpsByDevice translates mods and groups the result per device, in device
// order.
func (l *Lab) OpsByDevice(mods []model.Modifier) ([]model.RouterID, map[model.RouterID][]Op, error) {
	byDevice := make(map[model.RouterID][]Op)
	for _, m := range mods {
		ops, err := l.Ops(m)
		if err != nil {
			return nil, nil, err
		}
		for _, op := range ops {
			byDevice[op.Device] = append(byDevice[op.Device], op)
		}
	}
	devices := make([]model.RouterID, 0, len(byDevice))
	for d := range byDevice {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices, byDevice, nil
}
