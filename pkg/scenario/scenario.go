// Package scenario loads reconfiguration scenarios from YAML files: the
// network, its initial configuration, the change to make, the specification
// to preserve and the options to plan and execute with.
package scenario

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtshift/pkg/bgp"
	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/driver/sim"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/spec"
	"github.com/newtron-network/newtshift/pkg/util"
)

// Scenario is one reconfiguration experiment.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Aliases are substituted for ${name} in router ids and prefixes.
	Aliases map[string]string `yaml:"aliases,omitempty"`
	// PrefixLists are expanded where a prefix is written as @name.
	PrefixLists map[string][]string `yaml:"prefix_lists,omitempty"`

	Routers        []model.Router    `yaml:"routers"`
	Links          []model.Link      `yaml:"links"`
	Sessions       []model.Session   `yaml:"sessions"`
	Advertisements []Advertisement   `yaml:"advertisements"`
	Policies       []model.Modifier  `yaml:"policies,omitempty"`
	Change         []model.Modifier  `yaml:"change"`
	Specification  SpecificationFile `yaml:"specification"`
	Options        Options           `yaml:"options,omitempty"`

	// Path is the file the scenario was read from.
	Path string `yaml:"-"`
}

// Advertisement is a prefix announced by an external router.
type Advertisement struct {
	Router     model.RouterID `yaml:"router"`
	Prefix     model.Prefix   `yaml:"prefix"`
	PathLength int            `yaml:"path_length,omitempty"`
}

// SpecificationFile is the specification section. Reachable lists prefixes
// every internal router must reach at all times, in addition to the
// explicit constraints.
type SpecificationFile struct {
	Reachable   []model.Prefix    `yaml:"reachable,omitempty"`
	Constraints []spec.Constraint `yaml:"constraints,omitempty"`
}

// Options tune planning and simulated execution.
type Options struct {
	LoopChecking   string                   `yaml:"loop_checking,omitempty"`
	RandomOrder    string                   `yaml:"random_order,omitempty"`
	MessageBudget  int                      `yaml:"message_budget,omitempty"`
	SolveTimeout   string                   `yaml:"solve_timeout,omitempty"`
	CommandTimeout string                   `yaml:"command_timeout,omitempty"`
	Latency        *Latency                 `yaml:"latency,omitempty"`
	Faults         map[command.ID]sim.Fault `yaml:"faults,omitempty"`
}

// Latency is the simulated apply delay range.
type Latency struct {
	Stream string `yaml:"stream"`
	Min    string `yaml:"min"`
	Max    string `yaml:"max"`
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	s.resolve()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	return &s, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("scenario %s: %w", path, util.ErrNotFound)
		}
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// LoadAll reads all .yaml files in dir, sorted by file name.
func LoadAll(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenarios dir %s: %w", dir, err)
	}

	var scenarios []*Scenario
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		s, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// Find resolves name to a scenario: an existing path, or a file named
// <name>.yaml in dir.
func Find(dir, name string) (*Scenario, error) {
	if _, err := os.Stat(name); err == nil {
		return Load(name)
	}
	return Load(filepath.Join(dir, name+".yaml"))
}

func (s *Scenario) resolve() {
	r := NewResolver(s.Aliases, s.PrefixLists)
	id := func(v model.RouterID) model.RouterID { return model.RouterID(r.ResolveString(string(v))) }
	ids := func(vs []model.RouterID) {
		for i := range vs {
			vs[i] = id(vs[i])
		}
	}
	prefixes := func(p model.Prefix) []model.Prefix {
		var out []model.Prefix
		for _, e := range r.Expand(string(p)) {
			out = append(out, model.Prefix(e))
		}
		return out
	}
	mods := func(in []model.Modifier) []model.Modifier {
		var out []model.Modifier
		for _, m := range in {
			m.A, m.B = id(m.A), id(m.B)
			if m.Prefix == "" {
				out = append(out, m)
				continue
			}
			for _, p := range prefixes(m.Prefix) {
				m.Prefix = p
				out = append(out, m)
			}
		}
		return out
	}

	for i := range s.Routers {
		s.Routers[i].ID = id(s.Routers[i].ID)
	}
	for i := range s.Links {
		s.Links[i].A, s.Links[i].B = id(s.Links[i].A), id(s.Links[i].B)
	}
	for i := range s.Sessions {
		s.Sessions[i].A, s.Sessions[i].B = id(s.Sessions[i].A), id(s.Sessions[i].B)
	}

	var ads []Advertisement
	for _, a := range s.Advertisements {
		a.Router = id(a.Router)
		for _, p := range prefixes(a.Prefix) {
			a.Prefix = p
			ads = append(ads, a)
		}
	}
	s.Advertisements = ads
	s.Policies = mods(s.Policies)
	s.Change = mods(s.Change)

	var reach []model.Prefix
	for _, p := range s.Specification.Reachable {
		reach = append(reach, prefixes(p)...)
	}
	s.Specification.Reachable = reach

	var cons []spec.Constraint
	for _, c := range s.Specification.Constraints {
		c.Router = id(c.Router)
		ids(c.Waypoints)
		ids(c.Egress)
		ids(c.From)
		for _, p := range prefixes(c.Prefix) {
			c.Prefix = p
			cons = append(cons, c)
		}
	}
	s.Specification.Constraints = cons
}

// Validate checks the scenario for internal consistency.
func (s *Scenario) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(s.Name != "", "name is required")
	v.Add(len(s.Routers) > 0, "at least one router is required")
	v.Add(len(s.Change) > 0, "change is required")

	known := make(map[model.RouterID]model.Router, len(s.Routers))
	for i, r := range s.Routers {
		if r.ID == "" {
			v.AddErrorf("router %d: id is required", i)
			continue
		}
		if _, dup := known[r.ID]; dup {
			v.AddErrorf("router %s: duplicate id", r.ID)
		}
		switch r.Role {
		case model.RoleInternal, model.RoleExternal:
		default:
			v.AddErrorf("router %s: unknown role %q", r.ID, r.Role)
		}
		known[r.ID] = r
	}
	ref := func(where string, id model.RouterID) bool {
		_, ok := known[id]
		v.Add(ok, fmt.Sprintf("%s: unknown router %q", where, id))
		return ok
	}

	for i, l := range s.Links {
		where := fmt.Sprintf("link %d", i)
		if ref(where, l.A) && ref(where, l.B) {
			v.Add(!known[l.A].IsExternal() && !known[l.B].IsExternal(), where+": IGP links join internal routers")
		}
		v.Add(l.Weight > 0, where+": weight must be positive")
	}
	for i, ss := range s.Sessions {
		checkSession(v, fmt.Sprintf("session %d", i), ss, known)
	}
	for i, a := range s.Advertisements {
		where := fmt.Sprintf("advertisement %d", i)
		if ref(where, a.Router) {
			v.Add(known[a.Router].IsExternal(), where+": only external routers advertise")
		}
		v.Add(a.Prefix != "", where+": prefix is required")
		checkPrefix(v, where, a.Prefix)
		v.Add(a.PathLength >= 0, where+": path length must not be negative")
	}
	for i, m := range s.Policies {
		checkModifier(v, fmt.Sprintf("policy %d", i), m, known)
	}
	for i, m := range s.Change {
		checkModifier(v, fmt.Sprintf("change %d", i), m, known)
	}
	for _, p := range s.Specification.Reachable {
		checkPrefix(v, "specification", p)
	}
	if err := s.Spec().Validate(s.Routers); err != nil {
		v.AddErrorf("specification: %v", err)
	}

	o := s.Options
	if _, err := plan.ParseLoopChecking(o.LoopChecking); err != nil {
		v.AddErrorf("options: %v", err)
	}
	v.Add(o.MessageBudget >= 0, "options: message_budget must not be negative")
	checkDuration(v, "options.solve_timeout", o.SolveTimeout)
	checkDuration(v, "options.command_timeout", o.CommandTimeout)
	if o.Latency != nil {
		v.Add(o.Latency.Stream != "", "options.latency: stream is required")
		checkDuration(v, "options.latency.min", o.Latency.Min)
		checkDuration(v, "options.latency.max", o.Latency.Max)
	}
	return v.Build()
}

type validator = util.ValidationBuilder

func checkPrefix(v *validator, where string, p model.Prefix) {
	v.Add(!strings.HasPrefix(string(p), "@"), fmt.Sprintf("%s: unknown prefix list %q", where, p))
	v.Add(!strings.Contains(string(p), "$"), fmt.Sprintf("%s: unresolved alias in %q", where, p))
}

func checkDuration(v *validator, where, d string) {
	if d == "" {
		return
	}
	_, err := time.ParseDuration(d)
	v.Add(err == nil, fmt.Sprintf("%s: invalid duration %q", where, d))
}

func checkModifier(v *validator, where string, m model.Modifier, known map[model.RouterID]model.Router) {
	for _, r := range m.Routers() {
		_, ok := known[r]
		v.Add(ok, fmt.Sprintf("%s: unknown router %q", where, r))
	}
	switch m.Kind {
	case model.ModAddSession, model.ModRemoveSession:
		checkSessionType(v, where, m.SessionType)
	case model.ModSetWeight, model.ModClearWeight, model.ModSetLocalPref, model.ModClearLocalPref:
		v.Add(m.B != "", where+": neighbor (b) is required")
		v.Add(m.Prefix != "", where+": prefix is required")
	case model.ModAdvertise, model.ModWithdraw:
		v.Add(m.Prefix != "", where+": prefix is required")
		if r, ok := known[m.A]; ok {
			v.Add(r.IsExternal(), where+": only external routers advertise")
		}
	default:
		v.AddErrorf("%s: unknown modifier %q", where, m.Kind)
	}
	if m.Prefix != "" {
		checkPrefix(v, where, m.Prefix)
	}
}

func checkSessionType(v *validator, where string, t model.SessionType) {
	switch t {
	case model.SessionEBGP, model.SessionIBGP, model.SessionClient:
	case model.SessionTemporary:
		v.AddErrorf("%s: temporary sessions are reserved for plans", where)
	default:
		v.AddErrorf("%s: unknown session type %q", where, t)
	}
}

func checkSession(v *validator, where string, s model.Session, known map[model.RouterID]model.Router) {
	a, okA := known[s.A]
	b, okB := known[s.B]
	v.Add(okA, fmt.Sprintf("%s: unknown router %q", where, s.A))
	v.Add(okB, fmt.Sprintf("%s: unknown router %q", where, s.B))
	v.Add(s.A != s.B, where+": session with itself")
	checkSessionType(v, where, s.Type)
	if okA && okB {
		ext := a.IsExternal() || b.IsExternal()
		v.Add(ext == (s.Type == model.SessionEBGP), where+": ebgp sessions join exactly the AS border")
		v.Add(!(a.IsExternal() && b.IsExternal()), where+": both ends are external")
	}
}

// Config returns the modifiers building the initial configuration:
// sessions, advertisements, then policies.
func (s *Scenario) Config() []model.Modifier {
	var mods []model.Modifier
	for _, ss := range s.Sessions {
		mods = append(mods, model.Modifier{Kind: model.ModAddSession, A: ss.A, B: ss.B, SessionType: ss.Type})
	}
	for _, a := range s.Advertisements {
		mods = append(mods, model.Modifier{Kind: model.ModAdvertise, A: a.Router, Prefix: a.Prefix, Value: a.PathLength})
	}
	return append(mods, s.Policies...)
}

// Spec returns the specification: explicit constraints plus reachability
// of every listed prefix from every internal router.
func (s *Scenario) Spec() *spec.Specification {
	out := &spec.Specification{}
	if len(s.Specification.Reachable) > 0 {
		out.Constraints = spec.Everywhere(s.Routers, s.Specification.Reachable).Constraints
	}
	for _, c := range s.Specification.Constraints {
		if c.Scope == "" {
			c.Scope = spec.ScopeAlways
		}
		out.Constraints = append(out.Constraints, c)
	}
	return out
}

// Prefixes returns the sorted advertised prefixes.
func (s *Scenario) Prefixes() []model.Prefix {
	seen := make(map[model.Prefix]bool)
	var out []model.Prefix
	for _, a := range s.Advertisements {
		if !seen[a.Prefix] {
			seen[a.Prefix] = true
			out = append(out, a.Prefix)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Network builds and converges the initial network.
func (s *Scenario) Network(ctx context.Context) (*bgp.Network, error) {
	var opts []bgp.Option
	if s.Options.RandomOrder != "" {
		opts = append(opts, bgp.WithRandomOrder(s.Options.RandomOrder))
	}
	if s.Options.MessageBudget > 0 {
		opts = append(opts, bgp.WithMessageBudget(s.Options.MessageBudget))
	}
	n, err := bgp.Build(ctx, s.Routers, s.Links, s.Config(), opts...)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: building network: %w", s.Name, err)
	}
	return n, nil
}

// LoopChecking returns the configured mode, strict if unset.
func (s *Scenario) LoopChecking() plan.LoopChecking {
	lc, err := plan.ParseLoopChecking(s.Options.LoopChecking)
	if err != nil {
		return plan.LoopStrict
	}
	return lc
}

// SolveTimeout returns the configured solve timeout, or zero.
func (s *Scenario) SolveTimeout() time.Duration {
	d, _ := time.ParseDuration(s.Options.SolveTimeout)
	return d
}

// CommandTimeout returns the configured per-command timeout, or zero.
func (s *Scenario) CommandTimeout() time.Duration {
	d, _ := time.ParseDuration(s.Options.CommandTimeout)
	return d
}

// SimOptions returns the simulated driver options: injected faults in
// command order, then latency.
func (s *Scenario) SimOptions() []sim.Option {
	ids := make([]command.ID, 0, len(s.Options.Faults))
	for id := range s.Options.Faults {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var opts []sim.Option
	for _, id := range ids {
		opts = append(opts, sim.WithFault(id, s.Options.Faults[id]))
	}
	if l := s.Options.Latency; l != nil {
		lo, _ := time.ParseDuration(l.Min)
		hi, _ := time.ParseDuration(l.Max)
		opts = append(opts, sim.WithLatency(l.Stream, lo, hi))
	}
	return opts
}
