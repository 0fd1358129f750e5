package intent_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/intent"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

func newTestService(t *testing.T) (*intent.Service, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "calyx.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := intent.NewService(store, b, 2, logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, b
}

func TestService_CreateProposesImmediately(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()

	sub := b.Subscribe("intent.")
	defer b.Unsubscribe(sub)

	in, err := svc.Create(ctx, intent.Submission{
		Title:       "Recalibrate dorsal sensor array",
		Body:        "Drift exceeds tolerance on bands 3-7.",
		RequestedBy: "CP7",
		Priority:    4,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if in.Status != persistence.IntentStatusProposed {
		t.Fatalf("status = %s, want proposed", in.Status)
	}
	if in.Quorum != 2 {
		t.Fatalf("quorum = %d, want default 2", in.Quorum)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicIntentProposed {
			t.Fatalf("topic = %q, want %q", ev.Topic, bus.TopicIntentProposed)
		}
	default:
		t.Fatal("expected intent.proposed event")
	}
}

func TestService_CreateDefaultsRequesterToOverseer(t *testing.T) {
	svc, _ := newTestService(t)

	in, err := svc.Create(context.Background(), intent.Submission{
		Title: "Rotate svf archive",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if in.RequestedBy != shared.OverseerID {
		t.Fatalf("requested_by = %q, want %q", in.RequestedBy, shared.OverseerID)
	}
}

func TestService_CreateRejectsInvalidSubmissions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		sub  intent.Submission
	}{
		{"blank title", intent.Submission{Title: "   ", RequestedBy: "CP7"}},
		{"unknown requester", intent.Submission{Title: "Vent plasma", RequestedBy: "XQ1"}},
		{"zero-padded requester", intent.Submission{Title: "Vent plasma", RequestedBy: "CP07"}},
		{"priority out of range", intent.Submission{Title: "Vent plasma", RequestedBy: "CP7", Priority: 12}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.sub)
			var verr *intent.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	// Nothing leaked into the ledger.
	all, err := svc.List(ctx, "", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty ledger, got %d intents", len(all))
	}
}

func TestService_ApproveReachesQuorum(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()

	in, err := svc.Create(ctx, intent.Submission{
		Title:       "Purge aft cargo manifests",
		RequestedBy: "CP7",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The requester cannot sign their own intent.
	if _, _, err := svc.Approve(ctx, in.ID, "CP7"); err == nil {
		t.Fatal("expected self-cosign refusal")
	}

	approved, sigs, err := svc.Approve(ctx, in.ID, "CP8")
	if err != nil {
		t.Fatalf("first cosign: %v", err)
	}
	if approved || sigs != 1 {
		t.Fatalf("after first cosign approved=%v sigs=%d, want false/1", approved, sigs)
	}

	sub := b.Subscribe(bus.TopicIntentApproved)
	defer b.Unsubscribe(sub)

	approved, sigs, err = svc.Approve(ctx, in.ID, "CP9")
	if err != nil {
		t.Fatalf("second cosign: %v", err)
	}
	if !approved || sigs != 2 {
		t.Fatalf("after second cosign approved=%v sigs=%d, want true/2", approved, sigs)
	}

	got, err := svc.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.IntentStatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}
	if len(got.Cosigners) != 2 {
		t.Fatalf("cosigners = %d, want 2", len(got.Cosigners))
	}

	select {
	case <-sub.Ch():
	default:
		t.Fatal("expected intent.approved event")
	}
}

func TestService_RejectAndAbandon(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, intent.Submission{Title: "Reroute power to deck 4", RequestedBy: "CP7"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := svc.Reject(ctx, first.ID, "conflicts with hull maintenance window"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if got.Status != persistence.IntentStatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if got.StatusReason != "conflicts with hull maintenance window" {
		t.Fatalf("reason = %q", got.StatusReason)
	}

	// Rejected is terminal.
	if err := svc.Abandon(ctx, first.ID, ""); !errors.Is(err, shared.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}

	second, err := svc.Create(ctx, intent.Submission{Title: "Sweep ventral antenna", RequestedBy: "CP8"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := svc.Abandon(ctx, second.ID, ""); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	got, err = svc.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if got.Status != persistence.IntentStatusAbandoned {
		t.Fatalf("status = %s, want abandoned", got.Status)
	}
	if got.StatusReason != "abandoned" {
		t.Fatalf("default reason = %q", got.StatusReason)
	}
}

func TestService_ListFiltersByStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, intent.Submission{Title: "First", RequestedBy: "CP7"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := svc.Create(ctx, intent.Submission{Title: "Second", RequestedBy: "CP8"}); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := svc.Reject(ctx, a.ID, "superseded"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	proposed, err := svc.List(ctx, "proposed", 10)
	if err != nil {
		t.Fatalf("list proposed: %v", err)
	}
	if len(proposed) != 1 || proposed[0].Title != "Second" {
		t.Fatalf("proposed = %+v, want only the second intent", proposed)
	}
	rejected, err := svc.List(ctx, "rejected", 10)
	if err != nil {
		t.Fatalf("list rejected: %v", err)
	}
	if len(rejected) != 1 || rejected[0].ID != a.ID {
		t.Fatalf("rejected = %+v", rejected)
	}
}
