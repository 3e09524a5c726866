package reporting

import (
	"testing"
	"time"
)

func TestNextSummaryRunAddsInterval(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	got := nextSummaryRun(now, 30)
	want := now.Add(30 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("nextSummaryRun = %v, want %v", got, want)
	}
}

func TestNextSummaryRunDefaultsTo60(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	got := nextSummaryRun(now, 0)
	want := now.Add(60 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("nextSummaryRun with zero interval = %v, want %v", got, want)
	}
}

func TestNextGrandSummaryRunPicksNearestFutureToday(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	got := nextGrandSummaryRun(now, []string{"08:00", "16:00", "00:00"})
	want := time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("nextGrandSummaryRun = %v, want %v", got, want)
	}
}

func TestNextGrandSummaryRunRollsOverToTomorrow(t *testing.T) {
	now := time.Date(2026, 7, 30, 23, 30, 0, 0, time.UTC)
	got := nextGrandSummaryRun(now, []string{"08:00", "16:00", "00:00"})
	want := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("nextGrandSummaryRun rollover = %v, want %v", got, want)
	}
}

func TestGrandSummaryWindowStartDefaultsTo8HoursAgo(t *testing.T) {
	now := time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC)
	got := grandSummaryWindowStart(nil, now)
	want := now.Add(-8 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("grandSummaryWindowStart(nil) = %v, want %v", got, want)
	}
}

func TestGrandSummaryWindowStartUsesLastRun(t *testing.T) {
	now := time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC)
	last := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	got := grandSummaryWindowStart(&last, now)
	if !got.Equal(last) {
		t.Errorf("grandSummaryWindowStart(last) = %v, want %v", got, last)
	}
}
