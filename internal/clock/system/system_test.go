// Package system exercises the real-time clock adapter.
package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock honors its location.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New(time.UTC)
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestClockDefaultsToLocal(t *testing.T) {
	t.Parallel()

	if got := New(nil).Now().Location(); got != time.Local {
		t.Fatalf("expected local location, got %v", got)
	}
}

// TestClockNowMonotonic checks successive timestamps are non-decreasing.
func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New(nil)
	first := clk.Now()
	second := clk.Now()
	if second.Before(first) {
		t.Fatalf("expected second call %v to be >= first %v", second, first)
	}
}

func TestLoadLocation(t *testing.T) {
	t.Parallel()

	if loc, err := LoadLocation(""); err != nil || loc != time.Local {
		t.Fatalf("expected local zone, got %v %v", loc, err)
	}
	if loc, err := LoadLocation("UTC"); err != nil || loc.String() != "UTC" {
		t.Fatalf("expected UTC, got %v %v", loc, err)
	}
	if _, err := LoadLocation("Mars/Olympus"); err == nil {
		t.Fatal("expected unknown zone to fail")
	}
}
