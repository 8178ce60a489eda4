package settings

import (
	"testing"
	"time"
)

func TestFromMapDefaults(t *testing.T) {
	s := FromMap(map[string]string{KeyPrimaryEmail: "ops@example.com", KeyEmailEnabled: "false"})
	if s.OperatingHoursStart != "09:00" || s.OperatingHoursEnd != "18:00" || s.Timezone != "Europe/Prague" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.NotificationEmail != "ops@example.com" {
		t.Fatalf("primary email should back-fill notification email, got %q", s.NotificationEmail)
	}
	if s.EmailEnabled || len(s.Recipients()) != 0 {
		t.Fatalf("email disabled snapshot must have no recipients")
	}
}

func TestInOfficeHours(t *testing.T) {
	s := FromMap(map[string]string{KeyTimezone: "UTC", KeyOperatingHoursStart: "09:00", KeyOperatingHoursEnd: "18:00"})
	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 10, 14, 8, 59, 0, 0, time.UTC), false},
		{time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 10, 14, 17, 59, 0, 0, time.UTC), true},
		{time.Date(2026, 10, 14, 18, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		if got := s.InOfficeHours(tc.at); got != tc.want {
			t.Fatalf("InOfficeHours(%s) = %v, want %v", tc.at, got, tc.want)
		}
	}

	night := FromMap(map[string]string{KeyTimezone: "UTC", KeyOperatingHoursStart: "22:00", KeyOperatingHoursEnd: "06:00"})
	if !night.InOfficeHours(time.Date(2026, 10, 14, 23, 30, 0, 0, time.UTC)) {
		t.Fatalf("overnight window should include 23:30")
	}
	if night.InOfficeHours(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("overnight window should exclude noon")
	}
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	s := FromMap(map[string]string{KeyTimezone: "Mars/Olympus"})
	if s.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}
