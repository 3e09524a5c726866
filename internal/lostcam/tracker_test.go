package lostcam

import (
	"testing"
	"time"
)

func TestRecentlyAttempted(t *testing.T) {
	fixed := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	tr := &Tracker{lastAttempt: make(map[string]time.Time), now: func() time.Time { return fixed }}

	if tr.recentlyAttempted("cam-1", time.Hour) {
		t.Fatal("should not be recently attempted before any attempt recorded")
	}

	tr.markAttempted("cam-1")
	if !tr.recentlyAttempted("cam-1", time.Hour) {
		t.Fatal("should be recently attempted immediately after marking")
	}

	tr.now = func() time.Time { return fixed.Add(2 * time.Hour) }
	if tr.recentlyAttempted("cam-1", time.Hour) {
		t.Fatal("should not be recently attempted once retry interval has elapsed")
	}
}
