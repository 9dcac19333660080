package runtime

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/newtron-network/newtshift/pkg/cli"
	"github.com/newtron-network/newtshift/pkg/plan"
)

// Progress receives lifecycle callbacks from the coordinator. Callbacks run
// on the coordinator goroutine and must not block.
type Progress interface {
	PlanStart(p *plan.Plan)
	RoundStart(r *RoundRecord, total int)
	CommandEnd(c *CommandRecord)
	RoundEnd(r *RoundRecord, total int)
	PlanEnd(rec *Record, err error)
}

type nopProgress struct{}

func (nopProgress) PlanStart(*plan.Plan) {}
func (nopProgress) RoundStart(*RoundRecord, int) {}
func (nopProgress) CommandEnd(*CommandRecord) {}
func (nopProgress) RoundEnd(*RoundRecord, int) {}
func (nopProgress) PlanEnd(*Record, error) {}

// ConsoleProgress is an append-only terminal progress reporter.
// It never uses ANSI cursor rewriting, so output is safe for pipes, CI,
// and scrollback buffers.
type ConsoleProgress struct {
	W       io.Writer
	Verbose bool

	dotWidth int
}

// NewConsoleProgress creates a ConsoleProgress writing to stdout.
func NewConsoleProgress(verbose bool) *ConsoleProgress {
	return &ConsoleProgress{
		W:       os.Stdout,
		Verbose: verbose,
	}
}

func (p *ConsoleProgress) PlanStart(pl *plan.Plan) {
	maxName := 0
	for id := range pl.Commands {
		if len(id) > maxName {
			maxName = len(id)
		}
	}
	p.dotWidth = maxName + 6

	fmt.Fprintf(p.W, "\nnewtshift: %d rounds, %d commands, %d temporary sessions, loop checking: %s\n\n",
		len(pl.Rounds), len(pl.Commands), pl.TempSessions(), pl.LoopChecking)
}

func (p *ConsoleProgress) RoundStart(r *RoundRecord, total int) {
	if p.Verbose {
		fmt.Fprintf(p.W, "  [%d/%d]  %s (%d commands)\n", r.Index, total, r.Phase, len(r.Commands))
	}
}

func (p *ConsoleProgress) CommandEnd(c *CommandRecord) {
	if !p.Verbose {
		return
	}
	padded := cli.DotPad(string(c.ID), p.dotWidth)
	if c.State == StateFailed {
		fmt.Fprintf(p.W, "          %s %s\n", padded, cli.Red("FAIL"))
		fmt.Fprintf(p.W, "               %s\n", cli.Dim(c.Err))
		return
	}
	fmt.Fprintf(p.W, "          %s %s  (%s)\n", padded, cli.Green("OK"), formatDuration(c.Duration()))
}

func (p *ConsoleProgress) RoundEnd(r *RoundRecord, total int) {
	tag := fmt.Sprintf("[%d/%d]", r.Index, total)
	var took time.Duration
	if r.Started != nil && r.Completed != nil {
		took = r.Completed.Sub(*r.Started)
	}
	if p.Verbose {
		fmt.Fprintf(p.W, "          %s  (%s)\n\n", cli.Green("complete"), formatDuration(took))
		return
	}
	padded := cli.DotPad(string(r.Phase), p.dotWidth)
	fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Green("DONE"), formatDuration(took))
}

func (p *ConsoleProgress) PlanEnd(rec *Record, err error) {
	fmt.Fprintf(p.W, "\n---\n")
	converged := len(rec.InState(StateConverged))
	if err == nil {
		fmt.Fprintf(p.W, "newtshift: %s, %d/%d commands converged  (%s)\n\n",
			cli.Green("plan executed"), converged, len(rec.Commands), formatDuration(rec.Duration()))
		return
	}
	fmt.Fprintf(p.W, "newtshift: %s, %d/%d commands converged  (%s)\n",
		cli.Red("plan aborted"), converged, len(rec.Commands), formatDuration(rec.Duration()))
	fmt.Fprintf(p.W, "\n  FAILED:\n")
	for _, id := range rec.InState(StateFailed) {
		c := rec.Commands[id]
		fmt.Fprintf(p.W, "    round %d  %s: %s\n", c.Round, id, c.Err)
	}
	if pending := rec.InState(StatePending); len(pending) > 0 {
		fmt.Fprintf(p.W, "\n  NOT STARTED: %d commands\n", len(pending))
	}
	fmt.Fprintf(p.W, "\n  %s\n\n", cli.Dim(err.Error()))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
