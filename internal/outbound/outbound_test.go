package outbound

import (
	"testing"
)

func TestExponentialBackoff(t *testing.T) {
	if got := exponentialBackoff(0); got != baseBackoff {
		t.Errorf("retry 0 backoff = %v, want %v", got, baseBackoff)
	}
	if got := exponentialBackoff(1); got != baseBackoff*2 {
		t.Errorf("retry 1 backoff = %v, want %v", got, baseBackoff*2)
	}
	if got := exponentialBackoff(20); got != maxBackoff {
		t.Errorf("retry 20 backoff = %v, want capped at %v", got, maxBackoff)
	}
}

func TestMaxRetriesHigherForEmergency(t *testing.T) {
	if maxRetries("emergency") <= maxRetries("event") {
		t.Error("emergency payloads should get more retry attempts than routine events")
	}
}

func TestGuardFIDsEmptyMeansAllAllowed(t *testing.T) {
	h := &Handler{AllowedFIDs: map[string]bool{"fid-1": true, "fid-2": true}}
	got, err := h.guardFIDs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected both allowed fids, got %v", got)
	}
}

func TestGuardFIDsFiltersDisallowed(t *testing.T) {
	h := &Handler{AllowedFIDs: map[string]bool{"fid-1": true}}
	got, err := h.guardFIDs([]string{"fid-1", "fid-evil"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "fid-1" {
		t.Errorf("expected only fid-1 to survive, got %v", got)
	}
}

func TestGuardFIDsRejectsWhenAllDisallowed(t *testing.T) {
	h := &Handler{AllowedFIDs: map[string]bool{"fid-1": true}}
	_, err := h.guardFIDs([]string{"fid-evil"})
	if err != ErrTenancyRejected {
		t.Errorf("expected ErrTenancyRejected, got %v", err)
	}
}

func TestGuardFIDsBypass(t *testing.T) {
	h := &Handler{AllowedFIDs: map[string]bool{}, BypassGuard: true}
	got, err := h.guardFIDs([]string{"fid-anything"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "fid-anything" {
		t.Errorf("bypass should pass fids through untouched, got %v", got)
	}
}

func TestLacisOathHeaderFormat(t *testing.T) {
	oath := LacisOath{LacisID: "dev-1", TID: "tenant-1", CIC: "cic-1"}
	h, err := oath.header()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h) < len("LacisOath ") || h[:len("LacisOath ")] != "LacisOath " {
		t.Errorf("header should start with %q, got %q", "LacisOath ", h)
	}
}
