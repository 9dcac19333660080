package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/runtime"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning  RunStatus = "running"
	StatusComplete RunStatus = "complete"
	StatusAborted  RunStatus = "aborted"
)

// RunState is persisted to ~/.newtshift/runs/<scenario>/state.json while a
// plan executes. It doubles as a lock: one run per scenario at a time.
type RunState struct {
	Scenario string    `json:"scenario"`
	Driver   string    `json:"driver"`
	PID      int       `json:"pid"`
	Status   RunStatus `json:"status"`
	Started  time.Time `json:"started"`
	Updated  time.Time `json:"updated"`
	Round    int       `json:"round"`
	Rounds   int       `json:"rounds"`
}

// StateDir returns the state directory path for a scenario name.
func StateDir(scenario string) string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".newtshift", "runs", scenario)
}

// SaveRunState writes run state to state.json in the scenario state
// directory.
func SaveRunState(state *RunState) error {
	state.Updated = time.Now()
	dir := StateDir(state.Scenario)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("newtshift: create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return fmt.Errorf("newtshift: marshal state: %w", err)
	}

	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("newtshift: write state: %w", err)
	}
	return nil
}

// LoadRunState reads run state from state.json. Returns nil, nil if not found.
func LoadRunState(scenario string) (*RunState, error) {
	path := filepath.Join(StateDir(scenario), "state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("newtshift: read state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("newtshift: parse state.json: %w", err)
	}
	return &state, nil
}

// ListRunStates returns the scenario names that have a state directory.
func ListRunStates() ([]string, error) {
	home, _ := os.UserHomeDir()
	entries, err := os.ReadDir(filepath.Join(home, ".newtshift", "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// RemoveRunState deletes the scenario state directory.
func RemoveRunState(scenario string) error {
	return os.RemoveAll(StateDir(scenario))
}

// AcquireLock checks for an existing active run and claims the lock.
// Returns an error if another process is executing this scenario.
func AcquireLock(state *RunState) error {
	existing, err := LoadRunState(state.Scenario)
	if err != nil {
		return err
	}

	if existing != nil && existing.PID != 0 && existing.PID != os.Getpid() && isProcessAlive(existing.PID) {
		return fmt.Errorf("scenario %s already running (pid %d)", state.Scenario, existing.PID)
	}

	state.PID = os.Getpid()
	state.Status = StatusRunning
	if state.Started.IsZero() {
		state.Started = time.Now()
	}
	return SaveRunState(state)
}

// ReleaseLock clears the PID, records the final status and saves state.
func ReleaseLock(state *RunState, status RunStatus) error {
	state.PID = 0
	state.Status = status
	return SaveRunState(state)
}

// isProcessAlive checks if a process with the given PID exists.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// StateProgress keeps a RunState current as rounds start and forwards
// every callback to Next.
type StateProgress struct {
	State *RunState
	Next  runtime.Progress
}

func (p *StateProgress) PlanStart(pl *plan.Plan) {
	p.State.Rounds = len(pl.Rounds)
	p.save()
	if p.Next != nil {
		p.Next.PlanStart(pl)
	}
}

func (p *StateProgress) RoundStart(r *runtime.RoundRecord, total int) {
	p.State.Round = r.Index
	p.save()
	if p.Next != nil {
		p.Next.RoundStart(r, total)
	}
}

func (p *StateProgress) CommandEnd(c *runtime.CommandRecord) {
	if p.Next != nil {
		p.Next.CommandEnd(c)
	}
}

func (p *StateProgress) RoundEnd(r *runtime.RoundRecord, total int) {
	if p.Next != nil {
		p.Next.RoundEnd(r, total)
	}
}

func (p *StateProgress) PlanEnd(rec *runtime.Record, err error) {
	if p.Next != nil {
		p.Next.PlanEnd(rec, err)
	}
}

func (p *StateProgress) save() {
	_ = SaveRunState(p.State)
}
