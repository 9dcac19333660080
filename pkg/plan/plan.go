// Package plan defines the output of the decomposition solver: the commands
// of a reconfiguration grouped into totally ordered rounds, the
// happens-before edges between them and the cost metrics of the plan.
//
// A Plan is immutable once produced. It can be saved to and loaded from
// JSON or YAML files.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/util"
)

// Phase is the stage of a reconfiguration a round belongs to.
type Phase string

const (
	PhasePin        Phase = "pin"
	PhaseSetup      Phase = "setup"
	PhaseHold       Phase = "hold"
	PhaseBeforeMain Phase = "before-main"
	PhaseMain       Phase = "main"
	PhaseAfterMain  Phase = "after-main"
	PhaseClear      Phase = "clear"
	PhaseTeardown   Phase = "teardown"
)

// LoopChecking selects how transient forwarding loops are handled.
type LoopChecking string

const (
	// LoopStrict forbids every ordering under which a transient loop can
	// form.
	LoopStrict LoopChecking = "strict"
	// LoopRelaxed trusts the dependency edges alone. Transient loops through
	// changing routers are tolerated.
	LoopRelaxed LoopChecking = "relaxed"
)

// ParseLoopChecking parses "strict" or "relaxed". The empty string means
// strict.
func ParseLoopChecking(s string) (LoopChecking, error) {
	switch LoopChecking(strings.ToLower(s)) {
	case "", LoopStrict:
		return LoopStrict, nil
	case LoopRelaxed:
		return LoopRelaxed, nil
	}
	return "", fmt.Errorf("loop checking %q: must be strict or relaxed: %w", s, util.ErrInvalidConfig)
}

// Round is a set of commands without edges among them. Index is 1-based.
type Round struct {
	Index    int          `json:"index" yaml:"index"`
	Phase    Phase        `json:"phase" yaml:"phase"`
	Commands []command.ID `json:"commands" yaml:"commands"`
}

// Metrics are the cost figures of a plan. They are informational only.
type Metrics struct {
	Cost          int           `json:"cost" yaml:"cost"`
	Rounds        int           `json:"rounds" yaml:"rounds"`
	Commands      int           `json:"commands" yaml:"commands"`
	TempSessions  int           `json:"temp_sessions" yaml:"temp_sessions"`
	Prefixes      int           `json:"prefixes" yaml:"prefixes"`
	TableSize     int           `json:"table_size" yaml:"table_size"`
	PeakTableSize int           `json:"peak_table_size" yaml:"peak_table_size"`
	Messages      int           `json:"messages" yaml:"messages"`
	CutIterations int           `json:"cut_iterations" yaml:"cut_iterations"`
	SolveTime     time.Duration `json:"solve_time" yaml:"solve_time"`
	EstimatedTime time.Duration `json:"estimated_time" yaml:"estimated_time"`
	// Suboptimal lists the prefixes whose search stopped on its node limit
	// with a valid but possibly more expensive schedule.
	Suboptimal []model.Prefix `json:"suboptimal,omitempty" yaml:"suboptimal,omitempty"`
}

// Plan is an ordered sequence of rounds realizing a reconfiguration.
type Plan struct {
	Change       []model.Modifier                `json:"change" yaml:"change"`
	LoopChecking LoopChecking                    `json:"loop_checking" yaml:"loop_checking"`
	Commands     map[command.ID]*command.Command `json:"commands" yaml:"commands"`
	Rounds       []Round                         `json:"rounds" yaml:"rounds"`
	Edges        []command.Dependency            `json:"edges" yaml:"edges"`
	// Target is the forwarding state the plan ends in.
	Target  model.ForwardingState `json:"target,omitempty" yaml:"target,omitempty"`
	Metrics Metrics               `json:"metrics" yaml:"metrics"`
}

// Command returns the command with the given id, or nil.
func (p *Plan) Command(id command.ID) *command.Command {
	return p.Commands[id]
}

// RoundOf returns the index of the round holding id, or 0 if no round does.
func (p *Plan) RoundOf(id command.ID) int {
	for _, r := range p.Rounds {
		for _, c := range r.Commands {
			if c == id {
				return r.Index
			}
		}
	}
	return 0
}

// Predecessors returns the commands that must converge before id is
// dispatched, sorted.
func (p *Plan) Predecessors(id command.ID) []command.ID {
	var out []command.ID
	for _, e := range p.Edges {
		if e.After == id {
			out = append(out, e.Before)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TempSessions counts the temporary sessions the plan creates.
func (p *Plan) TempSessions() int {
	n := 0
	for _, c := range p.Commands {
		if c.Kind == command.KindAddTemp {
			n++
		}
	}
	return n
}

// Validate checks the structure of the plan: rounds are numbered 1..n and
// not empty, every command is in exactly one round, and every edge points
// from an earlier round to a later one.
func (p *Plan) Validate() error {
	v := &util.ValidationBuilder{}
	round := make(map[command.ID]int, len(p.Commands))
	for i, r := range p.Rounds {
		v.Add(r.Index == i+1, fmt.Sprintf("round %d has index %d", i+1, r.Index))
		v.Add(len(r.Commands) > 0, fmt.Sprintf("round %d is empty", r.Index))
		for _, id := range r.Commands {
			if prev, ok := round[id]; ok {
				v.AddErrorf("command %s in rounds %d and %d", id, prev, r.Index)
				continue
			}
			round[id] = r.Index
			v.Add(p.Commands[id] != nil, fmt.Sprintf("round %d: unknown command %s", r.Index, id))
		}
	}
	for _, id := range sortedIDs(p.Commands) {
		_, ok := round[id]
		v.Add(ok, fmt.Sprintf("command %s is in no round", id))
	}
	for _, e := range p.Edges {
		b, okB := round[e.Before]
		a, okA := round[e.After]
		switch {
		case !okB || !okA:
			v.AddErrorf("edge %s: unknown command", e)
		case b >= a:
			v.AddErrorf("edge %s: round %d is not before round %d", e, b, a)
		}
	}
	return v.Build()
}

func sortedIDs(m map[command.ID]*command.Command) []command.ID {
	ids := make([]command.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Save writes the plan to path, as YAML for .yaml/.yml files and as JSON
// otherwise.
func (p *Plan) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(p)
	} else {
		data, err = json.MarshalIndent(p, "", "    ")
	}
	if err != nil {
		return fmt.Errorf("plan: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("plan: create dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("plan: write: %w", err)
	}
	return nil
}

// Load reads a plan written by Save and validates it.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plan %s: %w", path, util.ErrNotFound)
		}
		return nil, fmt.Errorf("plan: read: %w", err)
	}
	var p Plan
	if isYAML(path) {
		err = yaml.Unmarshal(data, &p)
	} else {
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("plan: parse %s: %w", filepath.Base(path), err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
