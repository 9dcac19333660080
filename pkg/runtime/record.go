package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/util"
)

// CommandState is the execution state of one command.
type CommandState string

const (
	StatePending    CommandState = "pending"
	StateEligible   CommandState = "eligible"
	StateDispatched CommandState = "dispatched"
	StateApplied    CommandState = "applied"
	StateConverged  CommandState = "converged"
	StateFailed     CommandState = "failed"
)

// RoundState is the execution state of one round.
type RoundState string

const (
	RoundWaiting  RoundState = "waiting"
	RoundActive   RoundState = "active"
	RoundComplete RoundState = "complete"
)

// Outcome summarizes a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeAborted   Outcome = "aborted"
)

// CommandRecord tracks one command through execution. Unset timestamps mean
// the command never got there.
type CommandRecord struct {
	ID         command.ID   `json:"id"`
	Round      int          `json:"round"`
	State      CommandState `json:"state"`
	Dispatched *time.Time   `json:"dispatched,omitempty"`
	Applied    *time.Time   `json:"applied,omitempty"`
	Converged  *time.Time   `json:"converged,omitempty"`
	Failed     *time.Time   `json:"failed,omitempty"`
	Err        string       `json:"error,omitempty"`
}

// Duration returns the time from dispatch to convergence, or zero.
func (c *CommandRecord) Duration() time.Duration {
	if c.Dispatched == nil || c.Converged == nil {
		return 0
	}
	return c.Converged.Sub(*c.Dispatched)
}

// RoundRecord tracks one round.
type RoundRecord struct {
	Index     int          `json:"index"`
	Phase     plan.Phase   `json:"phase"`
	State     RoundState   `json:"state"`
	Commands  []command.ID `json:"commands"`
	Started   *time.Time   `json:"started,omitempty"`
	Completed *time.Time   `json:"completed,omitempty"`
}

// Entry is one line of the execution log.
type Entry struct {
	Time    time.Time    `json:"time"`
	Round   int          `json:"round"`
	Command command.ID   `json:"command,omitempty"`
	State   CommandState `json:"state,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Record is everything that happened while executing a plan. Only the
// controller writes it; the log is append-only.
type Record struct {
	Started  time.Time                     `json:"started"`
	Finished time.Time                     `json:"finished"`
	Outcome  Outcome                       `json:"outcome"`
	Err      string                        `json:"error,omitempty"`
	Commands map[command.ID]*CommandRecord `json:"commands"`
	Rounds   []*RoundRecord                `json:"rounds"`
	Log      []Entry                       `json:"log"`
	Final    model.ForwardingState         `json:"final,omitempty"`
	// Stats are reported by drivers that count messages (the simulator).
	Stats *model.Stats `json:"stats,omitempty"`
}

func newRecord(p *plan.Plan, now time.Time) *Record {
	rec := &Record{
		Started:  now,
		Commands: make(map[command.ID]*CommandRecord, len(p.Commands)),
	}
	for _, r := range p.Rounds {
		rec.Rounds = append(rec.Rounds, &RoundRecord{
			Index:    r.Index,
			Phase:    r.Phase,
			State:    RoundWaiting,
			Commands: append([]command.ID(nil), r.Commands...),
		})
		for _, id := range r.Commands {
			rec.Commands[id] = &CommandRecord{ID: id, Round: r.Index, State: StatePending}
		}
	}
	return rec
}

// Command returns the record of id, or nil.
func (r *Record) Command(id command.ID) *CommandRecord {
	return r.Commands[id]
}

// Round returns the record of round index (1-based), or nil.
func (r *Record) Round(index int) *RoundRecord {
	if index < 1 || index > len(r.Rounds) {
		return nil
	}
	return r.Rounds[index-1]
}

// InState returns the commands in state s, sorted.
func (r *Record) InState(s CommandState) []command.ID {
	var ids []command.ID
	for id, c := range r.Commands {
		if c.State == s {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CompletedRounds returns the indexes of complete rounds in completion
// order.
func (r *Record) CompletedRounds() []int {
	var out []int
	for _, e := range r.Log {
		if e.Command == "" && e.Message == string(RoundComplete) {
			out = append(out, e.Round)
		}
	}
	return out
}

// Duration is the wall time of the run.
func (r *Record) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Save writes the record as indented JSON.
func (r *Record) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// LoadRecord reads a record written by Save.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("record %s: %w", path, util.ErrNotFound)
		}
		return nil, fmt.Errorf("reading record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing record %s: %w", path, err)
	}
	return &r, nil
}

// AbortedError is returned when execution stopped before every round
// completed. It carries the partial record.
type AbortedError struct {
	Command command.ID
	Round   int
	Cause   error
	Record  *Record
}

func (e *AbortedError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("plan aborted in round %d: %v", e.Round, e.Cause)
	}
	return fmt.Sprintf("plan aborted in round %d at %s: %v", e.Round, e.Command, e.Cause)
}

func (e *AbortedError) Unwrap() []error {
	return []error{util.ErrPlanAborted, e.Cause}
}

// IsAborted reports whether err is an AbortedError and returns it.
func IsAborted(err error) (*AbortedError, bool) {
	var ae *AbortedError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
