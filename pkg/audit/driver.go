package audit

import (
	"context"
	"os"
	"os/user"
	"time"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/driver"
	"github.com/newtron-network/newtshift/pkg/util"
)

// Driver logs every Apply of the wrapped driver. Logging failures are
// warnings; they never fail the command.
type Driver struct {
	driver.Driver
	log      Logger
	user     string
	scenario string
	name     string
}

// Wrap returns d with its applies audited under the given scenario and
// driver names. A wrapped Simulator is still a Simulator.
func Wrap(d driver.Driver, log Logger, scenario, name string) driver.Driver {
	ad := &Driver{Driver: d, log: log, user: currentUser(), scenario: scenario, name: name}
	if s, ok := d.(driver.Simulator); ok {
		return &simDriver{Driver: ad, sim: s}
	}
	return ad
}

type simDriver struct {
	*Driver
	sim driver.Simulator
}

func (d *simDriver) AdvanceUntilConverged(ctx context.Context) error {
	return d.sim.AdvanceUntilConverged(ctx)
}

func (d *Driver) Apply(ctx context.Context, c *command.Command) error {
	start := time.Now()
	err := d.Driver.Apply(ctx, c)

	e := NewEvent(d.user, c).
		WithScenario(d.scenario).
		WithDriver(d.name).
		WithDuration(time.Since(start))
	if err != nil {
		e.WithError(err)
	} else {
		e.WithSuccess()
	}
	if lerr := d.log.Log(e); lerr != nil {
		util.WithField("command", c.ID).Warnf("audit: %v", lerr)
	}
	return err
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
