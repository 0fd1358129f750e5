package shared

import (
	"strings"
	"testing"
	"time"
)

func TestNewIntentID_Shape(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	id := NewIntentID(now)
	if !strings.HasPrefix(id, "I-20260825-") {
		t.Fatalf("unexpected intent id prefix: %q", id)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 3 || len(parts[2]) != 6 {
		t.Fatalf("unexpected intent id shape: %q", id)
	}
}

func TestNewLeaseID_Shape(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	id := NewLeaseID(now)
	if !strings.HasPrefix(id, "L-20260825-") {
		t.Fatalf("unexpected lease id prefix: %q", id)
	}
}

func TestNewIntentID_Unique(t *testing.T) {
	now := time.Now()
	a := NewIntentID(now)
	b := NewIntentID(now)
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
}

func TestValidRosterID(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"CP6", true},
		{"CP7", true},
		{"CP14", true},
		{"CP20", true},
		{"CBO", true},
		{"CP5", false},
		{"CP21", false},
		{"CP07", false},
		{"cp14", false},
		{"CP", false},
		{"CPX", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidRosterID(tc.id); got != tc.valid {
			t.Errorf("ValidRosterID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestRosterIDs_Complete(t *testing.T) {
	ids := RosterIDs()
	if len(ids) != 16 {
		t.Fatalf("expected 16 roster ids, got %d", len(ids))
	}
	if ids[0] != "CP6" || ids[len(ids)-1] != OverseerID {
		t.Fatalf("unexpected roster order: first %q last %q", ids[0], ids[len(ids)-1])
	}
	for _, id := range ids {
		if !ValidRosterID(id) {
			t.Errorf("roster id %q fails its own validation", id)
		}
	}
}
