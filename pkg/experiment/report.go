package experiment

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/newtron-network/newtshift/pkg/runtime"
)

// ReportGenerator produces reports from experiments.
type ReportGenerator struct {
	Experiments []*Experiment
}

// WriteMarkdown writes a markdown report to the given path.
func (g *ReportGenerator) WriteMarkdown(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "# newtshift Report: %s\n\n", time.Now().Format(DateTimeFormat))

	fmt.Fprintln(f, "| Scenario | Driver | Loop checking | Rounds | Commands | Temp sessions | Outcome | Duration |")
	fmt.Fprintln(f, "|----------|--------|---------------|--------|----------|---------------|---------|----------|")
	for _, e := range g.Experiments {
		lc := ""
		if e.Plan != nil {
			lc = string(e.Plan.LoopChecking)
		}
		fmt.Fprintf(f, "| %s | %s | %s | %d | %d | %d | %s | %s |\n",
			e.Name, e.Driver, lc, e.Metrics.Rounds, e.Metrics.Commands,
			e.Metrics.TempSessions, e.Outcome, e.Duration().Round(time.Millisecond))
	}

	hasFailures := false
	for _, e := range g.Experiments {
		if !e.Failed() {
			continue
		}
		if !hasFailures {
			fmt.Fprintf(f, "\n## Failures\n\n")
			hasFailures = true
		}
		fmt.Fprintf(f, "### %s\n", e.Name)
		fmt.Fprintf(f, "%s: %s\n\n", e.Outcome, e.Err)
		if e.Record == nil {
			continue
		}
		for _, id := range e.Record.InState(runtime.StateFailed) {
			c := e.Record.Command(id)
			fmt.Fprintf(f, "  round %d %s: %s\n", c.Round, id, c.Err)
		}
		if pending := e.Record.InState(runtime.StatePending); len(pending) > 0 {
			fmt.Fprintf(f, "  %d commands not started\n", len(pending))
		}
		fmt.Fprintln(f)
	}

	return nil
}

// WriteJUnit writes a JUnit XML report for CI integration: one suite per
// experiment, one test case per command.
func (g *ReportGenerator) WriteJUnit(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	suites := junitTestSuites{}

	for _, e := range g.Experiments {
		suite := junitTestSuite{
			Name: e.Name,
			Time: e.Duration().Seconds(),
		}

		// Nothing executed: a single case carrying the planning outcome
		if e.Record == nil {
			suite.Tests = 1
			tc := junitTestCase{Name: "plan", ClassName: e.Name}
			if e.Failed() {
				suite.Errors = 1
				tc.Error = &junitError{Message: e.Err, Type: string(e.Outcome)}
			}
			suite.Cases = append(suite.Cases, tc)
			suites.Suites = append(suites.Suites, suite)
			continue
		}

		for _, r := range e.Record.Rounds {
			for _, id := range r.Commands {
				c := e.Record.Command(id)
				suite.Tests++
				tc := junitTestCase{
					Name:      fmt.Sprintf("[round %d] %s", r.Index, id),
					ClassName: e.Name,
					Time:      c.Duration().Seconds(),
				}

				switch c.State {
				case runtime.StateConverged:
				case runtime.StateFailed:
					suite.Failures++
					tc.Failure = &junitFailure{
						Message: c.Err,
						Type:    string(r.Phase),
					}
				case runtime.StatePending, runtime.StateEligible:
					suite.Skipped++
					tc.Skipped = &junitSkipped{
						Message: "not started: " + string(e.Outcome),
					}
				default:
					suite.Errors++
					tc.Error = &junitError{
						Message: fmt.Sprintf("left %s: %s", c.State, e.Err),
						Type:    string(r.Phase),
					}
				}

				suite.Cases = append(suite.Cases, tc)
			}
		}

		suites.Suites = append(suites.Suites, suite)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append([]byte(xml.Header), data...), 0o644)
}

// JUnit XML types

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Errors   int             `xml:"errors,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     float64         `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	Error     *junitError   `xml:"error,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

type junitSkipped struct {
	Message string `xml:"message,attr"`
}

type junitError struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}
