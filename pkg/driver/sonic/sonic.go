package sonic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/driver"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/util"
)

// Defaults for Options.
const (
	DefaultLockTTL     = time.Hour
	DefaultDialTimeout = 30 * time.Second
)

// Options configures Connect.
type Options struct {
	// Holder names this run in the device locks. Defaults to host-pid.
	Holder      string
	LockTTL     time.Duration
	DialTimeout time.Duration
}

// conn holds the Redis clients of one switch.
type conn struct {
	tunnel *SSHTunnel
	config *ConfigDBClient
	appl   *AppDBClient
	state  *StateDBClient
	locked bool
}

func (c *conn) close() {
	c.config.Close()
	c.appl.Close()
	c.state.Close()
	if c.tunnel != nil {
		c.tunnel.Close()
	}
}

// watch tracks an applied command until it converged.
type watch struct {
	cmd     *command.Command
	settled int
}

// Driver drives a lab of SONiC switches.
type Driver struct {
	lab    *Lab
	opts   Options
	conns  map[model.RouterID]*conn
	hub    *driver.Hub
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.Mutex
	watches []*watch
}

var _ driver.Driver = (*Driver)(nil)

// Connect opens the Redis connections of every device in lab, directly or
// through an SSH tunnel, and takes the device locks.
func Connect(ctx context.Context, lab *Lab, opts Options) (*Driver, error) {
	if opts.Holder == "" {
		host, _ := os.Hostname()
		opts.Holder = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	d := &Driver{
		lab:   lab,
		opts:  opts,
		conns: make(map[model.RouterID]*conn),
		hub:   driver.NewHub(),
		now:   time.Now,
	}
	for _, id := range lab.DeviceIDs() {
		c, err := d.dial(ctx, id)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.conns[id] = c
		if err := c.state.AcquireLock(ctx, string(id), opts.Holder, opts.LockTTL); err != nil {
			d.Close()
			return nil, util.NewDriverError("", "lock "+string(id), err)
		}
		c.locked = true
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.poll(pollCtx)
	return d, nil
}

func (d *Driver) dial(ctx context.Context, id model.RouterID) (*conn, error) {
	dev := d.lab.Devices[id]
	c := &conn{}
	addr := dev.RedisAddr
	if addr == "" {
		t, err := NewSSHTunnel(dev.MgmtIP, dev.SSHUser, dev.SSHPass, net.JoinHostPort("127.0.0.1", redisPort), d.opts.DialTimeout)
		if err != nil {
			return nil, util.NewDriverError("", "connect "+string(id), err)
		}
		c.tunnel = t
		addr = t.LocalAddr()
	}
	c.config = NewConfigDBClient(addr)
	c.appl = NewAppDBClient(addr)
	c.state = NewStateDBClient(addr)
	if err := c.config.Connect(ctx); err != nil {
		c.close()
		return nil, util.NewDriverError("", "connect "+string(id), err)
	}
	util.WithRouter(string(id)).Debugf("Connected to %s", addr)
	return c, nil
}

// Apply writes the command's CONFIG_DB changes, one transaction per device.
func (d *Driver) Apply(ctx context.Context, c *command.Command) error {
	devices, byDevice, err := d.lab.OpsByDevice(c.Modifiers)
	if err != nil {
		return util.NewDriverError(string(c.ID), "translate", err)
	}
	for _, dev := range devices {
		cn := d.conns[dev]
		if cn == nil {
			return util.NewDriverError(string(c.ID), "apply", fmt.Errorf("no connection to %s", dev))
		}
		ops := byDevice[dev]
		if err := cn.config.Apply(ctx, ops); err != nil {
			return util.NewDriverError(string(c.ID), "apply "+string(dev), err)
		}
		for _, op := range ops {
			util.WithCommand(string(c.ID), 0).Debug(op.String())
		}
	}

	d.mu.Lock()
	d.watches = append(d.watches, &watch{cmd: c})
	d.mu.Unlock()
	d.hub.Publish(driver.Event{CommandID: c.ID, Kind: driver.EventApplied, Time: d.now()})
	return nil
}

func (d *Driver) poll(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.lab.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, e := range d.pollOnce(ctx) {
			d.hub.Publish(e)
		}
	}
}

// pollOnce reads the state of every watched command and returns the
// events of those that settled.
func (d *Driver) pollOnce(ctx context.Context) []driver.Event {
	d.mu.Lock()
	watches := append([]*watch(nil), d.watches...)
	d.mu.Unlock()

	var (
		events []driver.Event
		done   = make(map[*watch]bool)
	)
	for _, w := range watches {
		ok, err := d.observed(ctx, w.cmd.Post)
		if err != nil {
			if ctx.Err() == nil {
				util.WithCommand(string(w.cmd.ID), 0).Warnf("Polling postcondition: %v", err)
			}
			continue
		}
		if !ok {
			w.settled = 0
			continue
		}
		w.settled++
		if w.settled >= d.lab.SettlePolls {
			done[w] = true
			events = append(events, driver.Event{CommandID: w.cmd.ID, Kind: driver.EventConverged, Time: d.now()})
		}
	}
	if len(done) == 0 {
		return nil
	}

	d.mu.Lock()
	keep := d.watches[:0]
	for _, w := range d.watches {
		if !done[w] {
			keep = append(keep, w)
		}
	}
	d.watches = keep
	d.mu.Unlock()
	util.WithFields(logrus.Fields{"converged": len(events), "pending": len(keep)}).Debug("Poll")
	return events
}

// observed evaluates the conditions that can be read from the switches.
// Route selection is not exported by SONiC and is not checked.
func (d *Driver) observed(ctx context.Context, conds command.Conditions) (bool, error) {
	for _, cond := range conds {
		var (
			ok  = true
			err error
		)
		switch cond.Kind {
		case command.CondForwarding:
			ok, err = d.forwards(ctx, cond.Router, cond.Prefix, cond.NextHop)
		case command.CondSession:
			ok, err = d.session(ctx, cond.Router, cond.Neighbor, true)
		case command.CondNoSession:
			ok, err = d.session(ctx, cond.Router, cond.Neighbor, false)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (d *Driver) forwards(ctx context.Context, r model.RouterID, p model.Prefix, nh model.RouterID) (bool, error) {
	cn := d.conns[r]
	if cn == nil {
		return true, nil
	}
	hops, err := cn.appl.NextHops(ctx, d.lab.VRF, string(p))
	if err != nil {
		return false, err
	}
	if nh == "" {
		return len(hops) == 0, nil
	}
	addr, known := d.lab.HopAddr(r, nh)
	if !known {
		return true, nil
	}
	for _, h := range hops {
		if h == addr {
			return true, nil
		}
	}
	return false, nil
}

// session checks the session from whichever end is managed.
func (d *Driver) session(ctx context.Context, a, b model.RouterID, want bool) (bool, error) {
	for _, end := range [][2]model.RouterID{{a, b}, {b, a}} {
		cn := d.conns[end[0]]
		if cn == nil {
			continue
		}
		addr, err := d.lab.Addr(end[0], end[1])
		if err != nil {
			continue
		}
		state, err := cn.state.NeighborState(ctx, d.lab.VRF, addr)
		if err != nil {
			return false, err
		}
		return (state == "Established") == want, nil
	}
	return true, nil
}

// Subscribe implements driver.Driver.
func (d *Driver) Subscribe(ctx context.Context) (<-chan driver.Event, error) {
	return d.hub.Subscribe(ctx, 64), nil
}

// Snapshot reads ROUTE_TABLE of every managed switch for every lab prefix.
// Next hops that map to no known router are reported by address.
func (d *Driver) Snapshot(ctx context.Context) (model.ForwardingState, error) {
	fs := make(model.ForwardingState)
	for _, id := range d.lab.DeviceIDs() {
		cn := d.conns[id]
		if cn == nil {
			continue
		}
		for _, p := range d.lab.Prefixes {
			hops, err := cn.appl.NextHops(ctx, d.lab.VRF, string(p))
			if err != nil {
				return nil, util.NewDriverError("", "snapshot "+string(id), err)
			}
			if len(hops) == 0 {
				fs.Set(id, p, "")
				continue
			}
			sort.Strings(hops)
			nh, ok := d.lab.HopOf(id, hops[0])
			if !ok {
				nh = model.RouterID(hops[0])
			}
			fs.Set(id, p, nh)
		}
	}
	return fs, nil
}

// Close stops polling, releases the locks and closes every connection.
func (d *Driver) Close() error {
	var errs []error
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.DialTimeout)
		defer cancel()
		for _, id := range d.lab.DeviceIDs() {
			cn := d.conns[id]
			if cn == nil {
				continue
			}
			if cn.locked {
				if err := cn.state.ReleaseLock(ctx, string(id), d.opts.Holder); err != nil {
					errs = append(errs, err)
				}
			}
			cn.close()
		}
		d.hub.Close()
	})
	return errors.Join(errs...)
}
