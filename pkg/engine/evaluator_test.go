package engine

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func snapshotOf(statuses ...Status) *Snapshot {
	s := &Snapshot{Observations: make(map[string]Observation, len(statuses))}
	for i, st := range statuses {
		id := fmt.Sprintf("res-%d", i)
		s.Observations[id] = Observation{Status: st}
		s.resources = append(s.resources, Resource{ID: id, Kind: KindConfig})
	}
	return s
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []Status
		tolerance FailureTolerance
		want      Verdict
	}{
		{"all success", []Status{StatusSuccess, StatusSuccess, StatusSuccess}, FailuresFatal, VerdictSuccess},
		{"one pending", []Status{StatusSuccess, StatusPending, StatusSuccess}, FailuresFatal, VerdictPending},
		{"one in progress", []Status{StatusInProgress, StatusSuccess}, FailuresFatal, VerdictPending},
		{"failed beats pending", []Status{StatusPending, StatusFailed, StatusInProgress}, FailuresFatal, VerdictFailed},
		{"failed beats success", []Status{StatusSuccess, StatusFailed}, FailuresFatal, VerdictFailed},
		{"tolerated failure", []Status{StatusSuccess, StatusFailed}, FailuresTolerated, VerdictPartialFailure},
		{"tolerated failure while pending", []Status{StatusPending, StatusFailed}, FailuresTolerated, VerdictPartialFailure},
		{"tolerance without failure", []Status{StatusSuccess}, FailuresTolerated, VerdictSuccess},
		{"empty", nil, FailuresFatal, VerdictPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(snapshotOf(tt.statuses...), tt.tolerance); got != tt.want {
				t.Errorf("Evaluate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluate_NilSnapshot(t *testing.T) {
	if got := Evaluate(nil, FailuresFatal); got != VerdictPending {
		t.Errorf("Evaluate(nil) = %s, want pending", got)
	}
}

func TestEvaluate_NonMonotonicSequence(t *testing.T) {
	// One resource moving pending -> success -> failed is judged per tick.
	sequence := []Status{StatusPending, StatusSuccess, StatusFailed}
	want := []Verdict{VerdictPending, VerdictSuccess, VerdictFailed}

	for i, st := range sequence {
		if got := Evaluate(snapshotOf(st), FailuresFatal); got != want[i] {
			t.Errorf("tick %d: Evaluate() = %s, want %s", i+1, got, want[i])
		}
	}
}

var statusGen = rapid.SampledFrom([]Status{StatusPending, StatusInProgress, StatusSuccess, StatusFailed})

func TestEvaluate_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		statuses := rapid.SliceOfN(statusGen, 1, 12).Draw(t, "statuses")
		tolerance := FailureTolerance(rapid.IntRange(0, 1).Draw(t, "tolerance"))
		snap := snapshotOf(statuses...)

		first := Evaluate(snap, tolerance)
		if second := Evaluate(snap, tolerance); first != second {
			t.Fatalf("Evaluate not idempotent: %s then %s", first, second)
		}

		anyFailed, allSuccess := false, true
		for _, s := range statuses {
			if s == StatusFailed {
				anyFailed = true
			}
			if s != StatusSuccess {
				allSuccess = false
			}
		}

		switch {
		case anyFailed && tolerance == FailuresTolerated:
			if first != VerdictPartialFailure {
				t.Fatalf("failed resource with tolerance: got %s", first)
			}
		case anyFailed:
			if first != VerdictFailed {
				t.Fatalf("failed resource: got %s", first)
			}
		case allSuccess:
			if first != VerdictSuccess {
				t.Fatalf("all success: got %s", first)
			}
		default:
			if first != VerdictPending {
				t.Fatalf("still converging: got %s", first)
			}
		}

		if first == VerdictTimedOut {
			t.Fatal("evaluator must never produce timed-out")
		}
	})
}
