package polling

import (
	"regexp"
	"testing"
	"time"
)

func TestSubnetOf(t *testing.T) {
	if got := subnetOf("192.168.1.42"); got != "192.168.1" {
		t.Errorf("subnetOf = %s, want 192.168.1", got)
	}
}

func TestNewPollingID(t *testing.T) {
	now := time.Date(2026, 7, 30, 9, 5, 12, 0, time.UTC)
	id := newPollingID("192.168.1", now)
	re := regexp.MustCompile(`^1-260730-090512-[0-9a-f]{4}$`)
	if !re.MatchString(id) {
		t.Errorf("newPollingID = %q, want match of %s", id, re.String())
	}
}

func TestStatusTrackerTransitions(t *testing.T) {
	tr := NewStatusTracker()

	if tr.Observe("cam-1", true) != NoTransition {
		t.Fatal("first observation should never be a transition")
	}
	if tr.Observe("cam-1", true) != NoTransition {
		t.Fatal("repeated success should not transition")
	}
	if tr.Observe("cam-1", false) != TransitionToOffline {
		t.Fatal("success->failure should transition to offline")
	}
	if tr.Observe("cam-1", false) != NoTransition {
		t.Fatal("repeated failure should not transition")
	}
	if tr.Observe("cam-1", true) != TransitionToOnline {
		t.Fatal("failure->success should transition to online")
	}
}
