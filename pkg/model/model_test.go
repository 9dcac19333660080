package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func isExt(r RouterID) bool { return r == "x1" || r == "x2" }

// ===== ForwardingState =====

func TestPathOutcomes(t *testing.T) {
	fw := ForwardingState{}
	fw.Set("a", "p", "b")
	fw.Set("b", "p", "x1")
	fw.Set("c", "p", "d")
	fw.Set("d", "p", "c")
	fw.Set("e", "p", "")

	tests := []struct {
		from    RouterID
		want    []RouterID
		outcome Outcome
	}{
		{"a", []RouterID{"a", "b", "x1"}, OutcomeReached},
		{"c", []RouterID{"c", "d", "c"}, OutcomeLoop},
		{"e", []RouterID{"e"}, OutcomeBlackHole},
		{"z", []RouterID{"z"}, OutcomeBlackHole},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			path, outcome := fw.Path(tt.from, "p", isExt)
			if outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", outcome, tt.outcome)
			}
			if diff := cmp.Diff(tt.want, path); diff != "" {
				t.Errorf("path mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiff(t *testing.T) {
	before := ForwardingState{}
	before.Set("a", "p", "b")
	before.Set("b", "p", "x1")
	before.Set("a", "q", "b")

	after := before.Clone()
	after.Set("a", "p", "c")
	after.Set("c", "p", "x2")

	got := before.Diff(after)
	want := map[Prefix][]Delta{
		"p": {{Router: "a", Old: "b", New: "c"}, {Router: "c", Old: "", New: "x2"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", diff)
	}
	if before.Equal(after) {
		t.Error("Equal() = true for differing states")
	}
	if !before.Equal(before.Clone()) {
		t.Error("Equal() = false for a clone")
	}
}

func TestDeltaString(t *testing.T) {
	if got, want := (Delta{Router: "c", New: "x2"}).String(), "c: - => x2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

// ===== Modifier =====

func TestModifierInverse(t *testing.T) {
	tests := []struct {
		in   Modifier
		want ModifierKind
	}{
		{Modifier{Kind: ModAddSession, A: "a", B: "b"}, ModRemoveSession},
		{Modifier{Kind: ModRemoveSession, A: "a", B: "b"}, ModAddSession},
		{Modifier{Kind: ModSetWeight, A: "a", B: "b", Prefix: "p", Value: 100}, ModClearWeight},
		{Modifier{Kind: ModSetLocalPref, A: "a", B: "b", Prefix: "p", Value: 50}, ModClearLocalPref},
		{Modifier{Kind: ModAdvertise, A: "x1", Prefix: "p", Value: 2}, ModWithdraw},
	}
	for _, tt := range tests {
		inv := tt.in.Inverse()
		if inv.Kind != tt.want {
			t.Errorf("%s.Inverse() = %s, want %s", tt.in.Kind, inv.Kind, tt.want)
		}
		if inv.A != tt.in.A || inv.B != tt.in.B {
			t.Errorf("%s.Inverse() changed routers", tt.in.Kind)
		}
	}
}

func TestSessionKey(t *testing.T) {
	if NewSessionKey("b", "a") != NewSessionKey("a", "b") {
		t.Error("ibgp key should be direction independent")
	}
	c1 := Session{A: "rr", B: "c", Type: SessionClient}.Key()
	c2 := Session{A: "c", B: "rr", Type: SessionClient}.Key()
	if c1 == c2 {
		t.Error("client session key should be directional")
	}
}
