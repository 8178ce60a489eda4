package stats

import (
	"context"
	"testing"
	"time"
)

type fixedStore struct {
	since  time.Time
	counts Counts
}

func (f *fixedStore) CountStats(_ context.Context, since time.Time) (Counts, error) {
	f.since = since
	return f.counts, nil
}

func TestDashboardUsesLocalMidnight(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	store := &fixedStore{counts: Counts{CallsSince: 4, CallsCompletedSince: 3, PendingApprovals: 2}}
	s := NewService(store, func() *time.Location { return loc })
	s.now = func() time.Time { return time.Date(2026, 10, 14, 23, 30, 0, 0, time.UTC) }

	d, err := s.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	want := time.Date(2026, 10, 15, 0, 0, 0, 0, loc)
	if !store.since.Equal(want) {
		t.Fatalf("since = %s, want %s", store.since, want)
	}
	if d.CallSuccessRate != 0.75 || d.PendingApprovals != 2 {
		t.Fatalf("unexpected dashboard %+v", d)
	}
}

func TestDashboardNoCalls(t *testing.T) {
	s := NewService(&fixedStore{}, nil)
	d, err := s.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.CallSuccessRate != 0 {
		t.Fatalf("expected zero success rate")
	}
}
