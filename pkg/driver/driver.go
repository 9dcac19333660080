// Package driver defines how the runtime controller talks to a network: a
// Driver applies commands and reports their convergence as events.
//
// Two implementations exist: driver/sim runs the commands on the BGP
// simulator, driver/sonic writes them to SONiC CONFIG_DB over Redis.
package driver

import (
	"context"
	"time"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/model"
)

// EventKind is the kind of a driver event.
type EventKind string

const (
	// EventApplied: the command's configuration is in place.
	EventApplied EventKind = "applied"
	// EventConverged: the effects of the command have stabilized.
	EventConverged EventKind = "converged"
	// EventFailed: the command failed after it was applied, or its
	// convergence contradicts its postcondition.
	EventFailed EventKind = "failed"
)

// Event is an asynchronous notification about one command.
type Event struct {
	CommandID command.ID `json:"command_id"`
	Kind      EventKind  `json:"kind"`
	Time      time.Time  `json:"time"`
	Err       error      `json:"-"`
}

// Driver is a network the controller can change. Apply may be called
// concurrently for independent commands. Events of one command are
// delivered in order; events of different commands interleave.
type Driver interface {
	// Apply issues one command and returns once its configuration has been
	// accepted. Errors wrap util.ErrDriver.
	Apply(ctx context.Context, c *command.Command) error
	// Subscribe returns a stream of events that stays open until ctx is
	// done or the driver is closed.
	Subscribe(ctx context.Context) (<-chan Event, error)
	// Snapshot returns the current forwarding state.
	Snapshot(ctx context.Context) (model.ForwardingState, error)
	Close() error
}

// Simulator is a Driver whose network only moves when told to.
type Simulator interface {
	Driver
	// AdvanceUntilConverged runs the network until no message is pending
	// and reports every command whose effects have settled.
	AdvanceUntilConverged(ctx context.Context) error
}
