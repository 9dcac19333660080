// Package audit records every command applied to a network as a JSON-lines
// audit trail.
package audit

import (
	"fmt"
	"time"

	"github.com/newtron-network/newtshift/pkg/command"
)

// Event is one command application.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	User      string        `json:"user"`
	Scenario  string        `json:"scenario,omitempty"`
	Driver    string        `json:"driver,omitempty"`
	Router    string        `json:"router,omitempty"`
	Command   command.ID    `json:"command"`
	Kind      command.Kind  `json:"kind"`
	Modifiers []string      `json:"modifiers"`
	Temporary bool          `json:"temporary,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Scenario    string
	Router      string
	Command     command.ID
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates an event for applying c.
func NewEvent(user string, c *command.Command) *Event {
	mods := make([]string, len(c.Modifiers))
	for i, m := range c.Modifiers {
		mods[i] = m.String()
	}
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		User:      user,
		Router:    string(c.Router),
		Command:   c.ID,
		Kind:      c.Kind,
		Modifiers: mods,
		Temporary: c.Temporary,
	}
}

// WithScenario sets the scenario name
func (e *Event) WithScenario(name string) *Event {
	e.Scenario = name
	return e
}

// WithDriver sets the driver name
func (e *Event) WithDriver(name string) *Event {
	e.Driver = name
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the apply duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

func (f Filter) matches(e *Event) bool {
	if f.Scenario != "" && e.Scenario != f.Scenario {
		return false
	}
	if f.Router != "" && e.Router != f.Router {
		return false
	}
	if f.Command != "" && e.Command != f.Command {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	if f.SuccessOnly && !e.Success {
		return false
	}
	if f.FailureOnly && e.Success {
		return false
	}
	return true
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
