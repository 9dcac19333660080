package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtshift/internal/testutil"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/spec"
	"github.com/newtron-network/newtshift/pkg/util"
)

const shipped = "../../scenarios"

const minimal = `
name: tiny
routers:
  - {id: a, role: internal, as: 65000}
  - {id: x, role: external, as: 64500}
sessions:
  - {a: a, b: x, type: ebgp}
advertisements:
  - {router: x, prefix: 10.0.0.0/24}
change:
  - {kind: withdraw, a: x, prefix: 10.0.0.0/24}
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// ===== Loading =====

func TestLoadShipped(t *testing.T) {
	all, err := LoadAll(shipped)
	if err != nil {
		t.Fatalf("LoadAll() = %v", err)
	}
	var names []string
	for _, s := range all {
		names = append(names, s.Name)
	}
	want := []string{"del-best-route", "new-best-route", "two-prefixes-relaxed", "waypoint-del-best-route"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("scenarios (-want +got):\n%s", diff)
	}
}

func TestLoadMatchesFixtures(t *testing.T) {
	for _, want := range []testutil.Scenario{testutil.DelBestRoute(), testutil.NewBestRoute(), testutil.WaypointDelBestRoute()} {
		t.Run(want.Name, func(t *testing.T) {
			s, err := Load(filepath.Join(shipped, want.Name+".yaml"))
			if err != nil {
				t.Fatalf("Load() = %v", err)
			}
			if diff := cmp.Diff(want.Routers, s.Routers); diff != "" {
				t.Errorf("routers (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want.Links, s.Links); diff != "" {
				t.Errorf("links (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want.Config, s.Config()); diff != "" {
				t.Errorf("config (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want.Change, s.Change); diff != "" {
				t.Errorf("change (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(want.Spec, s.Spec()); diff != "" {
				t.Errorf("spec (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNetwork(t *testing.T) {
	s, err := Load(filepath.Join(shipped, "del-best-route.yaml"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	n, err := s.Network(testutil.Context(t))
	if err != nil {
		t.Fatalf("Network() = %v", err)
	}
	want := testutil.DelBestRoute().Before
	if diff := cmp.Diff(want, testutil.ForwardingOf(n.Forwarding())); diff != "" {
		t.Errorf("forwarding (-want +got):\n%s", diff)
	}
	if s.LoopChecking() != plan.LoopStrict || s.CommandTimeout() != 30*time.Second || s.SolveTimeout() != 0 {
		t.Errorf("options = %+v", s.Options)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "tiny.yaml", minimal)

	for _, name := range []string{"tiny", path} {
		s, err := Find(dir, name)
		if err != nil {
			t.Fatalf("Find(%q) = %v", name, err)
		}
		if s.Name != "tiny" || s.Path == "" {
			t.Errorf("Find(%q) = %s at %q", name, s.Name, s.Path)
		}
	}
}

func TestLoadAllSkipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "tiny.yaml", minimal)
	writeScenario(t, dir, "README.md", "# not a scenario")
	if err := os.Mkdir(filepath.Join(dir, "sub.yaml"), 0755); err != nil {
		t.Fatal(err)
	}

	all, err := LoadAll(dir)
	if err != nil {
		t.Fatalf("LoadAll() = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("LoadAll() returned %d scenarios, want 1", len(all))
	}
}

// ===== Resolution =====

func TestAliasesAndPrefixLists(t *testing.T) {
	s, err := Load(filepath.Join(shipped, "two-prefixes-relaxed.yaml"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if s.Routers[0].ID != "b1" || s.Change[0].A != "b1" {
		t.Errorf("alias not resolved: %+v %+v", s.Routers[0], s.Change[0])
	}
	if diff := cmp.Diff([]model.Prefix{"10.0.0.0/24", "10.1.0.0/24"}, s.Prefixes()); diff != "" {
		t.Errorf("prefixes (-want +got):\n%s", diff)
	}
	if len(s.Advertisements) != 4 {
		t.Errorf("advertisements = %+v", s.Advertisements)
	}

	sp := s.Spec()
	var final []spec.Constraint
	for _, c := range sp.Constraints {
		if c.Scope == spec.ScopeFinal {
			final = append(final, c)
		}
	}
	if len(final) != 2 || final[0].Router != "b1" || final[1].Prefix != "10.1.0.0/24" {
		t.Errorf("final constraints = %+v", final)
	}
	// 4 internal routers x 2 prefixes, plus the two egress constraints
	if len(sp.Constraints) != 10 {
		t.Errorf("%d constraints, want 10", len(sp.Constraints))
	}
	if s.LoopChecking() != plan.LoopRelaxed || len(s.SimOptions()) != 1 {
		t.Errorf("options = %+v", s.Options)
	}
}

func TestResolver(t *testing.T) {
	r := NewResolver(map[string]string{"pfx": "10.0.0.0/24", "dev": "b1"},
		map[string][]string{"all": {"${pfx}", "10.1.0.0/24"}})

	tests := []struct {
		in   string
		want []string
	}{
		{"${pfx}", []string{"10.0.0.0/24"}},
		{"$dev", []string{"b1"}},
		{"core-$dev", []string{"core-b1"}},
		{"$unknown", []string{"$unknown"}},
		{"@all", []string{"10.0.0.0/24", "10.1.0.0/24"}},
		{"@missing", []string{"@missing"}},
		{"plain", []string{"plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, r.Expand(tt.in)); diff != "" {
				t.Errorf("Expand(%q) (-want +got):\n%s", tt.in, diff)
			}
		})
	}

	r.SetAlias("dev", "b2")
	if got := r.ExpandPrefixLists([]string{"$dev", "@all"}); len(got) != 3 || got[0] != "b2" {
		t.Errorf("ExpandPrefixLists() = %v", got)
	}
	if _, ok := r.ResolvePrefixList("all"); !ok {
		t.Error("ResolvePrefixList(all) not found")
	}
}

// ===== Validation =====

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		want    string
	}{
		{"no name", [2]string{"name: tiny", "name: \"\""}, "name is required"},
		{"unknown role", [2]string{"role: internal", "role: core"}, "unknown role"},
		{"unknown session router", [2]string{"{a: a, b: x, type: ebgp}", "{a: a, b: y, type: ebgp}"}, `unknown router "y"`},
		{"ibgp to external", [2]string{"type: ebgp", "type: ibgp"}, "ebgp sessions join exactly the AS border"},
		{"temporary session", [2]string{"type: ebgp", "type: temporary"}, "reserved for plans"},
		{"internal advertiser", [2]string{"{router: x,", "{router: a,"}, "only external routers advertise"},
		{"unknown modifier", [2]string{"kind: withdraw", "kind: reboot"}, `unknown modifier "reboot"`},
		{"unknown prefix list", [2]string{"{router: x, prefix: 10.0.0.0/24}", "{router: x, prefix: \"@nope\"}"}, "unknown prefix list"},
		{"no change", [2]string{"change:\n  - {kind: withdraw, a: x, prefix: 10.0.0.0/24}", "change: []"}, "change is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(strings.Replace(minimal, tt.replace[0], tt.replace[1], 1)))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !errors.Is(err, util.ErrValidationFailed) {
				t.Errorf("error %v does not wrap ErrValidationFailed", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidationOptions(t *testing.T) {
	tests := []struct {
		name    string
		options string
		want    string
	}{
		{"loop checking", "{loop_checking: sometimes}", "loop checking"},
		{"timeout", "{solve_timeout: soon}", "options.solve_timeout"},
		{"budget", "{message_budget: -1}", "message_budget"},
		{"latency stream", "{latency: {min: 1ms, max: 2ms}}", "stream is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(minimal + "options: " + tt.options + "\n"))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidationSpecification(t *testing.T) {
	data := minimal + `specification:
  constraints:
    - {router: ghost, prefix: 10.0.0.0/24, kind: reachable}
`
	_, err := Parse([]byte(data))
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("Parse() = %v, want unknown router ghost", err)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("routers: [")); err == nil {
		t.Error("Parse() with invalid YAML should error")
	}
}
