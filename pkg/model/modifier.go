package model

import (
	"context"
	"fmt"
)

// ModifierKind is the kind of configuration change.
type ModifierKind string

const (
	ModAddSession     ModifierKind = "add-session"
	ModRemoveSession  ModifierKind = "remove-session"
	ModSetWeight      ModifierKind = "set-weight"
	ModClearWeight    ModifierKind = "clear-weight"
	ModSetLocalPref   ModifierKind = "set-local-pref"
	ModClearLocalPref ModifierKind = "clear-local-pref"
	ModAdvertise      ModifierKind = "advertise"
	ModWithdraw       ModifierKind = "withdraw"
)

// Modifier is one atomic configuration change on a router or session.
//
//   - add-session / remove-session: session A-B of type SessionType.
//   - set-weight / clear-weight: on router A, routes for Prefix learned from
//     neighbor B get weight Value.
//   - set-local-pref / clear-local-pref: same keying, local preference.
//   - advertise / withdraw: external router A announces Prefix with an AS
//     path of length Value.
type Modifier struct {
	Kind        ModifierKind `json:"kind" yaml:"kind"`
	A           RouterID     `json:"a" yaml:"a"`
	B           RouterID     `json:"b,omitempty" yaml:"b,omitempty"`
	Prefix      Prefix       `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	SessionType SessionType  `json:"session_type,omitempty" yaml:"session_type,omitempty"`
	Value       int          `json:"value,omitempty" yaml:"value,omitempty"`
}

// Routers returns the routers whose configuration the modifier touches.
func (m Modifier) Routers() []RouterID {
	switch m.Kind {
	case ModAddSession, ModRemoveSession:
		return []RouterID{m.A, m.B}
	}
	return []RouterID{m.A}
}

// Session returns the session the modifier adds or removes.
func (m Modifier) Session() Session {
	return Session{A: m.A, B: m.B, Type: m.SessionType}
}

// Inverse returns the modifier that undoes m. Set modifiers invert to their
// clear form since the previous value is not known.
func (m Modifier) Inverse() Modifier {
	inv := m
	switch m.Kind {
	case ModAddSession:
		inv.Kind = ModRemoveSession
	case ModRemoveSession:
		inv.Kind = ModAddSession
	case ModSetWeight:
		inv.Kind, inv.Value = ModClearWeight, 0
	case ModSetLocalPref:
		inv.Kind, inv.Value = ModClearLocalPref, 0
	case ModAdvertise:
		inv.Kind = ModWithdraw
	case ModWithdraw:
		inv.Kind = ModAdvertise
	}
	return inv
}

func (m Modifier) String() string {
	switch m.Kind {
	case ModAddSession, ModRemoveSession:
		return fmt.Sprintf("%s %s-%s (%s)", m.Kind, m.A, m.B, m.SessionType)
	case ModSetWeight, ModSetLocalPref:
		return fmt.Sprintf("%s %s from %s for %s = %d", m.Kind, m.A, m.B, m.Prefix, m.Value)
	case ModClearWeight, ModClearLocalPref:
		return fmt.Sprintf("%s %s from %s for %s", m.Kind, m.A, m.B, m.Prefix)
	case ModAdvertise:
		return fmt.Sprintf("%s %s %s (path %d)", m.Kind, m.A, m.Prefix, m.Value)
	case ModWithdraw:
		return fmt.Sprintf("%s %s %s", m.Kind, m.A, m.Prefix)
	}
	return string(m.Kind)
}

// Stats counts the work done by one convergence run.
type Stats struct {
	Messages  int `json:"messages"`
	Routes    int `json:"routes"`
	MaxRoutes int `json:"max_routes"`
}

// Engine is a routing engine: it holds the network configuration, applies
// modifiers and computes the converged routing state.
type Engine interface {
	// Clone returns an independent copy of the engine.
	Clone() Engine
	// Apply changes the configuration. Resulting protocol messages are queued
	// until Converge or Step runs.
	Apply(mod Modifier) error
	// Converge processes queued messages until the network is quiescent.
	Converge(ctx context.Context) (Stats, error)
	// Snapshot returns the current state.
	Snapshot() *Snapshot
}
