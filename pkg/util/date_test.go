package util

import (
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.UTC().Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
	got, ok := ParseTime(strconv.FormatInt(ts, 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Unix() != ts {
		t.Fatalf("unexpected unix %v", got.Unix())
	}
}

func TestParseTimeDefault(t *testing.T) {
	def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	got := ParseTimeDefault("", def)
	if !got.Equal(def) {
		t.Fatalf("expected default")
	}
}

func TestIsWeekend(t *testing.T) {
	sat := time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	mon := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	if !IsWeekend(sat) || !IsWeekend(sat.AddDate(0, 0, 1)) {
		t.Fatalf("expected weekend")
	}
	if IsWeekend(mon) {
		t.Fatalf("monday is not weekend")
	}
}

func TestIsFridayClose(t *testing.T) {
	cases := map[time.Time]bool{
		time.Date(2024, 1, 5, 23, 30, 0, 0, time.UTC): true,
		time.Date(2024, 1, 5, 22, 59, 0, 0, time.UTC): false,
		time.Date(2024, 1, 4, 23, 30, 0, 0, time.UTC): false,
	}
	for ts, want := range cases {
		if got := IsFridayClose(ts); got != want {
			t.Fatalf("IsFridayClose(%v) = %v, want %v", ts, got, want)
		}
	}
}

func TestParseTimeLayoutsAreUTC(t *testing.T) {
	want := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	for _, s := range []string{"2024-03-01T09:30:00", "2024-03-01 09:30:00", "2024-03-01T11:30:00+02:00"} {
		got, ok := ParseTime(s)
		if !ok || !got.Equal(want) || got.Location() != time.UTC {
			t.Fatalf("ParseTime(%q) = %v, %v", s, got, ok)
		}
	}
	day, ok := ParseTime("2024-03-01")
	if !ok || !day.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date only: %v", day)
	}
	if _, ok := ParseTime("yesterday"); ok {
		t.Fatalf("expected failure")
	}
}
