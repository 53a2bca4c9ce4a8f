package scraper

import (
	"testing"
	"time"
)

func TestDisplayName(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.booking.com/hotel/us/grand-central-plaza.html", "Grand Central Plaza"},
		{"https://www.booking.com/hotel/ar/mar-del-sol.es.html", "Mar Del Sol"},
		{"https://www.booking.com/hotel/us/solo.html?aid=123", "Solo"},
		{"https://example.com/no-hotel-segment", ""},
		{"", ""},
	}

	for _, tc := range cases {
		if got := DisplayName(tc.url); got != tc.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestDisplayNames_FallbackAndOrder(t *testing.T) {
	urls := []string{
		"https://www.booking.com/hotel/us/alpha-inn.html",
		"https://example.com/opaque",
		"https://www.booking.com/hotel/us/beta-suites.html",
	}

	names := DisplayNames(urls)

	want := []string{"Alpha Inn", "Hotel_2", "Beta Suites"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDisplayNames_DuplicatesStayUnique(t *testing.T) {
	urls := []string{
		"https://www.booking.com/hotel/us/twin.html",
		"https://www.booking.com/hotel/ar/twin.html",
	}

	names := DisplayNames(urls)

	if names[0] == names[1] {
		t.Fatalf("expected unique names, got %q twice", names[0])
	}
}

func TestExpandDates_UsesOverride(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	ranges, used := ExpandDates("2026-09-10", 3, 2, now)

	if !used {
		t.Fatal("expected override to be used")
	}
	want := []DateRange{
		{"2026-09-10", "2026-09-12"},
		{"2026-09-11", "2026-09-13"},
		{"2026-09-12", "2026-09-14"},
	}
	if len(ranges) != len(want) {
		t.Fatalf("expected %d ranges, got %d", len(want), len(ranges))
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Fatalf("ranges[%d] = %+v, want %+v", i, ranges[i], want[i])
		}
	}
}

func TestExpandDates_MalformedOverrideFallsBackToToday(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	ranges, used := ExpandDates("30/08/2026", 2, 1, now)

	if used {
		t.Fatal("expected override to be rejected")
	}
	if ranges[0].CheckIn != "2026-08-30" {
		t.Fatalf("expected fallback to today, got %s", ranges[0].CheckIn)
	}
	if ranges[0].CheckOut != "2026-08-31" {
		t.Fatalf("expected one-night stay, got %s", ranges[0].CheckOut)
	}
}

func TestExpandDates_MonthBoundary(t *testing.T) {
	now := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	ranges, _ := ExpandDates("", 3, 1, now)

	want := []DateRange{
		{"2026-08-30", "2026-08-31"},
		{"2026-08-31", "2026-09-01"},
		{"2026-09-01", "2026-09-02"},
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Fatalf("ranges[%d] = %+v, want %+v", i, ranges[i], want[i])
		}
	}
}
