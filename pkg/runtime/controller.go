// Package runtime executes a plan against a network driver. A single
// coordinator goroutine owns all execution state: it dispatches eligible
// commands through a bounded worker pool, consumes the driver's events, and
// only opens round i+1 once every command of round i has converged.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/driver"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/util"
)

const (
	// DefaultWorkers bounds concurrent Apply calls.
	DefaultWorkers = 8
	// snapshotTimeout bounds the final forwarding snapshot of an aborted run.
	snapshotTimeout = 10 * time.Second
)

// Options configures a Controller.
type Options struct {
	// CommandTimeout bounds the time from dispatch to convergence of one
	// command. Zero disables the limit.
	CommandTimeout time.Duration
	// Timeout bounds the whole run. Zero disables the limit.
	Timeout time.Duration
	// Workers bounds concurrent Apply calls.
	Workers  int
	Progress Progress
	Now      func() time.Time
}

// Controller executes plans against one driver.
type Controller struct {
	drv  driver.Driver
	opts Options
}

// New creates a controller for d.
func New(d driver.Driver, opts Options) *Controller {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Progress == nil {
		opts.Progress = nopProgress{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{drv: d, opts: opts}
}

type dispatchResult struct {
	id  command.ID
	err error
}

// run is the state of one Execute call. Only the coordinator touches it.
type run struct {
	c     *Controller
	p     *plan.Plan
	rec   *Record
	round int

	sim         driver.Simulator
	sem         *semaphore.Weighted
	dispatchCtx context.Context
	results     chan dispatchResult
	timeouts    chan command.ID
	advanced    chan error
	timers      map[command.ID]*time.Timer
	wg          sync.WaitGroup

	inflight int
	// advancing is set while AdvanceUntilConverged runs; applied is set
	// when a command was applied since the last advance started.
	advancing bool
	applied   bool
}

// Execute runs p to completion. On success it returns the full record and
// nil. Otherwise it returns the partial record and an *AbortedError that
// wraps util.ErrPlanAborted and the cause (util.ErrDriver, util.ErrTimeout
// or the context error). Commands already applied are not rolled back.
func (c *Controller) Execute(ctx context.Context, p *plan.Plan) (*Record, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	runCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	subCtx, stopSub := context.WithCancel(runCtx)
	defer stopSub()
	events, err := c.drv.Subscribe(subCtx)
	if err != nil {
		return nil, util.NewDriverError("", "subscribe", err)
	}
	dispatchCtx, stopDispatch := context.WithCancel(runCtx)
	defer stopDispatch()

	r := &run{
		c:           c,
		p:           p,
		rec:         newRecord(p, c.opts.Now()),
		round:       1,
		sem:         semaphore.NewWeighted(int64(c.opts.Workers)),
		dispatchCtx: dispatchCtx,
		results:     make(chan dispatchResult, len(p.Commands)),
		timeouts:    make(chan command.ID, len(p.Commands)),
		advanced:    make(chan error, 1),
		timers:      make(map[command.ID]*time.Timer),
	}
	r.sim, _ = c.drv.(driver.Simulator)
	shutdown := func() {
		stopDispatch()
		stopSub()
		r.wg.Wait()
		for _, t := range r.timers {
			t.Stop()
		}
	}

	util.WithFields(logrus.Fields{
		"rounds":   len(p.Rounds),
		"commands": len(p.Commands),
		"workers":  c.opts.Workers,
	}).Info("Executing plan")
	c.opts.Progress.PlanStart(p)
	r.release()

	for r.round <= len(p.Rounds) {
		r.maybeAdvance()

		var (
			failed command.ID
			cause  error
		)
		select {
		case <-runCtx.Done():
			cause = r.contextCause(ctx, runCtx)
		case e, ok := <-events:
			if !ok {
				if runCtx.Err() != nil {
					events = nil
					continue
				}
				cause = util.NewDriverError("", "subscribe", errors.New("event stream closed"))
				break
			}
			failed, cause = e.CommandID, r.onEvent(e)
		case res := <-r.results:
			failed, cause = res.id, r.onResult(res)
		case id := <-r.timeouts:
			failed, cause = id, r.onTimeout(id)
		case err := <-r.advanced:
			r.advancing = false
			if err != nil {
				cause = err
			}
		}
		if cause != nil {
			shutdown()
			return r.abort(ctx, failed, cause)
		}
		r.completeRounds()
		r.release()
	}

	shutdown()
	return r.finish(ctx)
}

func (r *run) now() time.Time {
	return r.c.opts.Now()
}

func (r *run) contextCause(parent, runCtx context.Context) error {
	if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return util.NewTimeoutError("plan execution", r.c.opts.Timeout)
	}
	if err := parent.Err(); err != nil {
		return err
	}
	return runCtx.Err()
}

// release makes every pending command of the current round whose
// predecessors converged eligible, and dispatches it.
func (r *run) release() {
	rr := r.rec.Round(r.round)
	if rr == nil {
		return
	}
	var ready []*CommandRecord
	for _, id := range rr.Commands {
		cr := r.rec.Commands[id]
		if cr.State != StatePending || !r.predecessorsConverged(id) {
			continue
		}
		r.transition(cr, StateEligible, time.Time{})
		ready = append(ready, cr)
	}
	if len(ready) > 0 && rr.State == RoundWaiting {
		now := r.now()
		rr.State = RoundActive
		rr.Started = &now
		r.rec.Log = append(r.rec.Log, Entry{Time: now, Round: rr.Index, Message: string(RoundActive)})
		util.WithField("round", rr.Index).Debugf("Round %s active", rr.Phase)
		r.c.opts.Progress.RoundStart(rr, len(r.rec.Rounds))
	}
	for _, cr := range ready {
		r.dispatch(cr)
	}
}

func (r *run) predecessorsConverged(id command.ID) bool {
	for _, pred := range r.p.Predecessors(id) {
		if cr := r.rec.Commands[pred]; cr == nil || cr.State != StateConverged {
			return false
		}
	}
	return true
}

func (r *run) dispatch(cr *CommandRecord) {
	c := r.p.Command(cr.ID)
	r.transition(cr, StateDispatched, time.Time{})
	r.inflight++
	if limit := r.c.opts.CommandTimeout; limit > 0 {
		id := cr.ID
		r.timers[id] = time.AfterFunc(limit, func() {
			select {
			case r.timeouts <- id:
			default:
			}
		})
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.sem.Acquire(r.dispatchCtx, 1)
		if err != nil {
			err = util.NewDriverError(string(c.ID), "dispatch", err)
		} else {
			err = r.c.drv.Apply(r.dispatchCtx, c)
			r.sem.Release(1)
		}
		r.results <- dispatchResult{id: c.ID, err: err}
	}()
}

// maybeAdvance lets a simulated network run once every dispatched command
// has been applied.
func (r *run) maybeAdvance() {
	if r.sim == nil || r.advancing || r.inflight > 0 || !r.applied {
		return
	}
	r.advancing, r.applied = true, false
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.advanced <- r.sim.AdvanceUntilConverged(r.dispatchCtx)
	}()
}

func (r *run) onResult(res dispatchResult) error {
	r.inflight--
	cr := r.rec.Commands[res.id]
	if res.err != nil {
		r.fail(cr, res.err)
		return res.err
	}
	switch cr.State {
	case StateDispatched:
		r.transition(cr, StateApplied, time.Time{})
		r.applied = true
	case StateApplied:
		r.applied = true
	}
	return nil
}

func (r *run) onEvent(e driver.Event) error {
	cr := r.rec.Commands[e.CommandID]
	if cr == nil {
		util.WithField("command", e.CommandID).Debugf("Ignoring %s event for unknown command", e.Kind)
		return nil
	}
	switch e.Kind {
	case driver.EventApplied:
		if cr.State == StateDispatched {
			r.transition(cr, StateApplied, e.Time)
		}
	case driver.EventConverged:
		if cr.State != StateDispatched && cr.State != StateApplied {
			return nil
		}
		if cr.Applied == nil {
			r.stamp(&cr.Applied, e.Time)
		}
		r.transition(cr, StateConverged, e.Time)
		if t := r.timers[cr.ID]; t != nil {
			t.Stop()
		}
	case driver.EventFailed:
		if cr.State != StateDispatched && cr.State != StateApplied {
			return nil
		}
		err := e.Err
		if err == nil {
			err = util.NewDriverError(string(cr.ID), "converge", errors.New("driver reported failure"))
		}
		r.fail(cr, err)
		return err
	}
	return nil
}

func (r *run) onTimeout(id command.ID) error {
	cr := r.rec.Commands[id]
	if cr.State != StateDispatched && cr.State != StateApplied {
		return nil
	}
	err := util.NewTimeoutError("convergence of "+string(id), r.c.opts.CommandTimeout)
	r.fail(cr, err)
	return err
}

func (r *run) fail(cr *CommandRecord, err error) {
	cr.Err = err.Error()
	r.transition(cr, StateFailed, time.Time{})
	util.WithCommand(string(cr.ID), cr.Round).Warnf("Command failed: %v", err)
}

func (r *run) stamp(field **time.Time, at time.Time) {
	if at.IsZero() {
		at = r.now()
	}
	*field = &at
}

func (r *run) transition(cr *CommandRecord, to CommandState, at time.Time) {
	if at.IsZero() {
		at = r.now()
	}
	switch to {
	case StateDispatched:
		r.stamp(&cr.Dispatched, at)
	case StateApplied:
		r.stamp(&cr.Applied, at)
	case StateConverged:
		r.stamp(&cr.Converged, at)
	case StateFailed:
		r.stamp(&cr.Failed, at)
	}
	cr.State = to
	r.rec.Log = append(r.rec.Log, Entry{Time: at, Round: cr.Round, Command: cr.ID, State: to, Message: cr.Err})
	util.WithCommand(string(cr.ID), cr.Round).Debugf("-> %s", to)
	if to == StateConverged || to == StateFailed {
		r.c.opts.Progress.CommandEnd(cr)
	}
}

// completeRounds closes the current round while all of its commands have
// converged.
func (r *run) completeRounds() {
	for r.round <= len(r.rec.Rounds) {
		rr := r.rec.Round(r.round)
		for _, id := range rr.Commands {
			if r.rec.Commands[id].State != StateConverged {
				return
			}
		}
		now := r.now()
		rr.State = RoundComplete
		rr.Completed = &now
		r.rec.Log = append(r.rec.Log, Entry{Time: now, Round: rr.Index, Message: string(RoundComplete)})
		util.WithField("round", rr.Index).Infof("Round %d/%d complete", rr.Index, len(r.rec.Rounds))
		r.c.opts.Progress.RoundEnd(rr, len(r.rec.Rounds))
		r.round++
	}
}

func (r *run) collect(ctx context.Context) {
	fs, err := r.c.drv.Snapshot(ctx)
	if err != nil {
		util.Logger.Warnf("Reading final forwarding state: %v", err)
	} else {
		r.rec.Final = fs
	}
	if s, ok := r.c.drv.(interface{ Stats() model.Stats }); ok {
		st := s.Stats()
		r.rec.Stats = &st
	}
	r.rec.Finished = r.now()
}

func (r *run) finish(ctx context.Context) (*Record, error) {
	r.collect(ctx)
	r.rec.Outcome = OutcomeSucceeded
	if r.p.Target != nil && r.rec.Final != nil {
		for p, deltas := range Deviations(r.p.Target, r.rec.Final) {
			for _, d := range deltas {
				util.WithPrefix(string(p)).Warnf("Final forwarding deviates from target: %s", d)
			}
		}
	}
	util.WithField("duration", r.rec.Duration().Round(time.Millisecond)).Info("Plan executed")
	r.c.opts.Progress.PlanEnd(r.rec, nil)
	return r.rec, nil
}

func (r *run) abort(ctx context.Context, id command.ID, cause error) (*Record, error) {
	snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	defer cancel()
	r.collect(snapCtx)
	r.rec.Outcome = OutcomeAborted
	r.rec.Err = cause.Error()

	round := r.round
	if cr := r.rec.Commands[id]; cr != nil {
		round = cr.Round
	}
	err := &AbortedError{Command: id, Round: round, Cause: cause, Record: r.rec}
	util.WithField("round", round).Errorf("%v", err)
	r.c.opts.Progress.PlanEnd(r.rec, err)
	return r.rec, err
}

// Deviations lists, per prefix, where got differs from target (Old is the
// target next hop), restricted to the routers got reports.
func Deviations(target, got model.ForwardingState) map[model.Prefix][]model.Delta {
	out := make(map[model.Prefix][]model.Delta)
	for p, deltas := range target.Diff(got) {
		for _, d := range deltas {
			if _, ok := got[p][d.Router]; ok {
				out[p] = append(out[p], d)
			}
		}
	}
	return out
}
