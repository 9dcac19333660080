// Package sim implements a driver over the BGP simulator. Commands are
// checked against the last converged state, applied to the simulated
// network and reported converged once AdvanceUntilConverged has run and
// their postconditions hold.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iti/rngstream"
	"github.com/sirupsen/logrus"

	"github.com/newtron-network/newtshift/pkg/bgp"
	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/driver"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/util"
)

// ErrInjected is the cause of every injected failure.
var ErrInjected = errors.New("injected failure")

// Fault describes how a command misbehaves.
type Fault struct {
	// FailApply makes Apply return an error.
	FailApply bool `json:"fail_apply,omitempty" yaml:"fail_apply,omitempty"`
	// Withhold never reports the command converged.
	Withhold bool `json:"withhold,omitempty" yaml:"withhold,omitempty"`
	// FailConvergence reports a failed event instead of convergence.
	FailConvergence bool `json:"fail_convergence,omitempty" yaml:"fail_convergence,omitempty"`
}

// Option configures a Driver.
type Option func(*Driver)

// WithFault injects f for command id.
func WithFault(id command.ID, f Fault) Option {
	return func(d *Driver) {
		d.faults[id] = f
	}
}

// WithLatency delays every Apply by a duration drawn uniformly from
// [lo, hi] out of the named random stream.
func WithLatency(stream string, lo, hi time.Duration) Option {
	return func(d *Driver) {
		d.rng = rngstream.New(stream)
		d.lo, d.hi = lo, hi
	}
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		d.now = now
	}
}

// Driver runs commands on a simulated network. It is safe for concurrent
// use.
type Driver struct {
	mu          sync.Mutex
	net         *bgp.Network
	settled     *model.Snapshot
	outstanding []*command.Command
	faults      map[command.ID]Fault
	stats       model.Stats

	rng    *rngstream.RngStream
	lo, hi time.Duration
	now    func() time.Time

	hub *driver.Hub
}

var _ driver.Simulator = (*Driver)(nil)

// New creates a driver owning n, which must be converged.
func New(n *bgp.Network, opts ...Option) *Driver {
	d := &Driver{
		net:     n,
		settled: n.Snapshot(),
		faults:  make(map[command.ID]Fault),
		now:     time.Now,
		hub:     driver.NewHub(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.stats.Routes = d.settled.TableSize()
	d.stats.MaxRoutes = d.stats.Routes
	return d
}

func (d *Driver) latency() time.Duration {
	if d.rng == nil || d.hi <= d.lo {
		return d.lo
	}
	d.mu.Lock()
	u := d.rng.RandU01()
	d.mu.Unlock()
	return d.lo + time.Duration(u*float64(d.hi-d.lo))
}

// Apply implements driver.Driver.
func (d *Driver) Apply(ctx context.Context, c *command.Command) error {
	if wait := d.latency(); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return util.NewDriverError(string(c.ID), "apply", ctx.Err())
		}
	}

	d.mu.Lock()
	if d.faults[c.ID].FailApply {
		d.mu.Unlock()
		return util.NewDriverError(string(c.ID), "apply", ErrInjected)
	}
	if failing := c.Pre.Failing(d.settled); len(failing) > 0 {
		d.mu.Unlock()
		return util.NewDriverError(string(c.ID), "precondition", fmt.Errorf("%s does not hold", failing[0]))
	}
	for _, m := range c.Modifiers {
		if err := d.net.Apply(m); err != nil {
			d.mu.Unlock()
			return util.NewDriverError(string(c.ID), "apply "+m.String(), err)
		}
	}
	d.outstanding = append(d.outstanding, c)
	now := d.now()
	d.mu.Unlock()

	util.WithCommand(string(c.ID), 0).Debug("Applied to simulator")
	d.hub.Publish(driver.Event{CommandID: c.ID, Kind: driver.EventApplied, Time: now})
	return nil
}

// AdvanceUntilConverged implements driver.Simulator.
func (d *Driver) AdvanceUntilConverged(ctx context.Context) error {
	d.mu.Lock()
	stats, err := d.net.Converge(ctx)
	d.stats.Messages += stats.Messages
	d.stats.MaxRoutes = max(d.stats.MaxRoutes, stats.MaxRoutes)
	if err != nil {
		d.mu.Unlock()
		return util.NewDriverError("", "converge", err)
	}
	d.stats.Routes = stats.Routes
	d.settled = d.net.Snapshot()

	var (
		events []driver.Event
		keep   []*command.Command
	)
	now := d.now()
	for _, c := range d.outstanding {
		f := d.faults[c.ID]
		switch {
		case f.Withhold:
			keep = append(keep, c)
		case f.FailConvergence:
			events = append(events, driver.Event{CommandID: c.ID, Kind: driver.EventFailed, Time: now,
				Err: util.NewDriverError(string(c.ID), "converge", ErrInjected)})
		default:
			if failing := c.Post.Failing(d.settled); len(failing) > 0 {
				events = append(events, driver.Event{CommandID: c.ID, Kind: driver.EventFailed, Time: now,
					Err: util.NewDriverError(string(c.ID), "postcondition", fmt.Errorf("%s does not hold", failing[0]))})
				continue
			}
			events = append(events, driver.Event{CommandID: c.ID, Kind: driver.EventConverged, Time: now})
		}
	}
	d.outstanding = keep
	d.mu.Unlock()

	util.WithFields(logrus.Fields{"messages": stats.Messages, "reported": len(events)}).Debug("Simulator converged")
	for _, e := range events {
		d.hub.Publish(e)
	}
	return nil
}

// Subscribe implements driver.Driver.
func (d *Driver) Subscribe(ctx context.Context) (<-chan driver.Event, error) {
	return d.hub.Subscribe(ctx, 64), nil
}

// Snapshot implements driver.Driver.
func (d *Driver) Snapshot(ctx context.Context) (model.ForwardingState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled.Forwarding.Clone(), nil
}

// Stats returns the messages delivered and the largest table size seen so
// far.
func (d *Driver) Stats() model.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close implements driver.Driver.
func (d *Driver) Close() error {
	d.hub.Close()
	return nil
}
