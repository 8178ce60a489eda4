package task

import "testing"

func TestBuildListOptionsDefaults(t *testing.T) {
	o := BuildListOptions()
	if o.Limit != defaultListLimit || o.Offset != 0 || o.Statuses != nil || o.Types != nil {
		t.Fatalf("unexpected defaults %+v", o)
	}
	o = BuildListOptions(WithLimit(500), WithOffset(-3))
	if o.Limit != maxListLimit || o.Offset != 0 {
		t.Fatalf("unexpected clamp %+v", o)
	}
}

func TestBuildListOptionsDropsUnknownValues(t *testing.T) {
	o := BuildListOptions(
		WithStatuses(StatusNew, "archived", StatusNew),
		WithTypes(TypeCall, "fax", TypeBooking),
		Active(),
	)
	if len(o.Statuses) != 1 || o.Statuses[0] != StatusNew {
		t.Fatalf("statuses %v", o.Statuses)
	}
	if len(o.Types) != 2 || o.Types[0] != TypeCall || o.Types[1] != TypeBooking {
		t.Fatalf("types %v", o.Types)
	}
	for _, st := range o.ExcludeStatuses {
		if !IsTerminal(st) {
			t.Fatalf("active filter excludes %s", st)
		}
	}
	if len(o.ExcludeStatuses) != 3 {
		t.Fatalf("exclude %v", o.ExcludeStatuses)
	}
}
