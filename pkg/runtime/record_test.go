package runtime

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtshift/pkg/command"
	"github.com/newtron-network/newtshift/pkg/model"
	"github.com/newtron-network/newtshift/pkg/plan"
	"github.com/newtron-network/newtshift/pkg/util"
)

func TestNewRecord(t *testing.T) {
	p := linearPlan("a", "b")
	p.Rounds[0].Phase = plan.PhasePin
	rec := newRecord(p, time.Unix(0, 0))

	if len(rec.Rounds) != 2 || rec.Round(1).Phase != plan.PhasePin || rec.Round(3) != nil || rec.Round(0) != nil {
		t.Fatalf("rounds = %+v", rec.Rounds)
	}
	if diff := cmp.Diff([]command.ID{"a", "b"}, rec.InState(StatePending)); diff != "" {
		t.Errorf("pending (-want +got):\n%s", diff)
	}
	if rec.Command("b").Round != 2 {
		t.Errorf("b in round %d", rec.Command("b").Round)
	}
	if rec.Duration() != 0 {
		t.Errorf("unfinished record has duration %s", rec.Duration())
	}
}

func TestRecordSaveLoad(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := newRecord(linearPlan("a"), start)
	dispatched, converged := start.Add(time.Second), start.Add(3*time.Second)
	cr := rec.Command("a")
	cr.State, cr.Dispatched, cr.Converged = StateConverged, &dispatched, &converged
	rec.Log = append(rec.Log, Entry{Time: converged, Round: 1, Message: string(RoundComplete)})
	rec.Final = model.ForwardingState{"10.0.0.0/24": {"b1": "x1"}}
	rec.Finished = converged
	rec.Outcome = OutcomeSucceeded

	path := filepath.Join(t.TempDir(), "record.json")
	if err := rec.Save(path); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	got, err := LoadRecord(path)
	if err != nil {
		t.Fatalf("LoadRecord() = %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record (-saved +loaded):\n%s", diff)
	}
	if got.Command("a").Duration() != 2*time.Second {
		t.Errorf("Duration() = %s", got.Command("a").Duration())
	}
	if diff := cmp.Diff([]int{1}, got.CompletedRounds()); diff != "" {
		t.Errorf("CompletedRounds (-want +got):\n%s", diff)
	}

	if _, err := LoadRecord(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("LoadRecord(missing) = %v", err)
	}
}

func TestAbortedError(t *testing.T) {
	cause := util.NewTimeoutError("convergence of main", time.Second)
	err := error(&AbortedError{Command: "main", Round: 2, Cause: cause})

	if got, want := err.Error(), "plan aborted in round 2 at main: convergence of main timed out after 1s"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, util.ErrPlanAborted) || !errors.Is(err, util.ErrTimeout) {
		t.Errorf("%v does not unwrap to both sentinels", err)
	}
	if _, ok := IsAborted(cause); ok {
		t.Error("IsAborted(timeout) = true")
	}
}

func TestDeviations(t *testing.T) {
	target := model.ForwardingState{"p": {"a": "b", "b": "x", "c": "b"}}
	got := model.ForwardingState{"p": {"a": "c", "b": "x"}}

	want := map[model.Prefix][]model.Delta{"p": {{Router: "a", Old: "b", New: "c"}}}
	if diff := cmp.Diff(want, Deviations(target, got)); diff != "" {
		t.Errorf("Deviations (-want +got):\n%s", diff)
	}
}
