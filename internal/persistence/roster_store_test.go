package persistence_test

import (
	"context"
	"strings"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/persistence"
)

func TestStore_SeedRosterPreservesOperatorEdits(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	seed := persistence.RosterRecord{ID: "CP6", DisplayName: "Forge", Emoji: "🔨", Duty: "hull diagnostics"}
	if err := store.SeedRosterMember(ctx, seed); err != nil {
		t.Fatalf("seed CP6: %v", err)
	}
	if err := store.SetRosterStatus(ctx, "CP6", persistence.RosterStatusStandby); err != nil {
		t.Fatalf("set standby: %v", err)
	}

	// A reboot reseeds the same member; the operator's edit must survive.
	seed.Duty = "something else entirely"
	if err := store.SeedRosterMember(ctx, seed); err != nil {
		t.Fatalf("reseed CP6: %v", err)
	}

	got, err := store.GetRosterMember(ctx, "CP6")
	if err != nil {
		t.Fatalf("get CP6: %v", err)
	}
	if got == nil {
		t.Fatalf("expected roster member, got nil")
	}
	if got.Status != persistence.RosterStatusStandby {
		t.Fatalf("expected standby preserved, got %s", got.Status)
	}
	if got.Duty != "hull diagnostics" {
		t.Fatalf("expected original duty preserved, got %q", got.Duty)
	}
}

func TestStore_UpsertRosterMemberOverwrites(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertRosterMember(ctx, persistence.RosterRecord{ID: "CP7", Duty: "signal triage"}); err != nil {
		t.Fatalf("upsert CP7: %v", err)
	}
	if err := store.UpsertRosterMember(ctx, persistence.RosterRecord{ID: "CP7", Duty: "lease execution", WorkerCount: 2}); err != nil {
		t.Fatalf("upsert CP7 again: %v", err)
	}

	got, err := store.GetRosterMember(ctx, "CP7")
	if err != nil {
		t.Fatalf("get CP7: %v", err)
	}
	if got.Duty != "lease execution" || got.WorkerCount != 2 {
		t.Fatalf("expected overwritten duty/workers, got %#v", got)
	}
	if got.Status != persistence.RosterStatusActive {
		t.Fatalf("expected default active status, got %s", got.Status)
	}
}

func TestStore_UpsertRosterMemberRejectsUnknownCallSign(t *testing.T) {
	store, _ := openTestStore(t)

	err := store.UpsertRosterMember(context.Background(), persistence.RosterRecord{ID: "CP42"})
	if err == nil || !strings.Contains(err.Error(), "invalid roster id") {
		t.Fatalf("expected invalid roster id error, got %v", err)
	}
}

func TestStore_ListRosterMembersCallSignOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"CP10", "CBO", "CP6"} {
		if err := store.SeedRosterMember(ctx, persistence.RosterRecord{ID: id}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	members, err := store.ListRosterMembers(ctx)
	if err != nil {
		t.Fatalf("list roster: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	// Short call signs first, so CP6 sorts before CP10.
	wantOrder := []string{"CBO", "CP6", "CP10"}
	for i, want := range wantOrder {
		if members[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, members[i].ID)
		}
	}
}

func TestStore_SetRosterStatusValidates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.SeedRosterMember(ctx, persistence.RosterRecord{ID: "CP8"}); err != nil {
		t.Fatalf("seed CP8: %v", err)
	}

	if err := store.SetRosterStatus(ctx, "CP8", "vacationing"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	err := store.SetRosterStatus(ctx, "CP9", persistence.RosterStatusDraining)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}

	if err := store.SetRosterStatus(ctx, "CP8", persistence.RosterStatusDraining); err != nil {
		t.Fatalf("set draining: %v", err)
	}
	got, err := store.GetRosterMember(ctx, "CP8")
	if err != nil {
		t.Fatalf("get CP8: %v", err)
	}
	if got.Status != persistence.RosterStatusDraining {
		t.Fatalf("expected draining, got %s", got.Status)
	}
}

func TestStore_TouchRosterMemberSetsLastSeen(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.SeedRosterMember(ctx, persistence.RosterRecord{ID: "CP11"}); err != nil {
		t.Fatalf("seed CP11: %v", err)
	}
	before, err := store.GetRosterMember(ctx, "CP11")
	if err != nil {
		t.Fatalf("get before touch: %v", err)
	}
	if before.LastSeenAt != nil {
		t.Fatalf("expected no last_seen_at before touch")
	}

	if err := store.TouchRosterMember(ctx, "CP11"); err != nil {
		t.Fatalf("touch CP11: %v", err)
	}
	after, err := store.GetRosterMember(ctx, "CP11")
	if err != nil {
		t.Fatalf("get after touch: %v", err)
	}
	if after.LastSeenAt == nil {
		t.Fatalf("expected last_seen_at set after touch")
	}
}
