package task

import (
	"testing"

	"pgregory.net/rapid"
)

var allStatuses = []Status{
	StatusNew, StatusInProgress, StatusPendingApproval, StatusApproved, StatusCompleted,
	StatusFailed, StatusCancelled, StatusEscalated, StatusClosed,
}

func TestCanTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusInProgress, true},
		{StatusNew, StatusCompleted, false},
		{StatusInProgress, StatusPendingApproval, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusPendingApproval, StatusApproved, true},
		{StatusPendingApproval, StatusCancelled, true},
		{StatusPendingApproval, StatusInProgress, false},
		{StatusApproved, StatusInProgress, true},
		{StatusApproved, StatusCompleted, false},
		{StatusFailed, StatusEscalated, true},
		{StatusCompleted, StatusEscalated, false},
		{StatusClosed, StatusInProgress, false},
		{StatusNew, Status("archived"), false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatusesNeverMove(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.SampledFrom(allStatuses).Draw(rt, "from")
		to := rapid.SampledFrom(allStatuses).Draw(rt, "to")
		ok := CanTransition(from, to)
		if IsTerminal(from) && from != to && ok {
			rt.Fatalf("terminal %s moved to %s", from, to)
		}
		if !IsTerminal(from) && to == StatusEscalated && !ok {
			rt.Fatalf("%s could not escalate", from)
		}
		if CanResume(from) == IsTerminal(from) {
			rt.Fatalf("resume mismatch for %s", from)
		}
	})
}
