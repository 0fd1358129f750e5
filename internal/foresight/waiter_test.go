package foresight_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/foresight"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

// enqueueDirective queues one directive cycle and returns its id.
func enqueueDirective(t *testing.T, store *persistence.Store, rosterID string) string {
	t.Helper()
	id, err := store.EnqueueCycle(context.Background(), persistence.CycleKindDirective, rosterID,
		`{"directive":"Hold station."}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

// settleNext claims the next queued cycle and drives it terminal.
func settleNext(t *testing.T, store *persistence.Store, result, failMsg string) string {
	t.Helper()
	ctx := context.Background()
	cycle, err := store.ClaimNextQueuedCycle(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if cycle == nil {
		t.Fatal("no queued cycle to settle")
	}
	if err := store.StartCycleRun(ctx, cycle.ID, cycle.LeaseOwner, "gates-test"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if failMsg != "" {
		if err := store.FailCycleTerminal(ctx, cycle.ID, failMsg, "E_TEST"); err != nil {
			t.Fatalf("fail cycle: %v", err)
		}
		return cycle.ID
	}
	if err := store.CompleteCycle(ctx, cycle.ID, result); err != nil {
		t.Fatalf("complete cycle: %v", err)
	}
	return cycle.ID
}

func TestWaitForCycle_ReturnsAlreadyTerminalCycle(t *testing.T) {
	store := openStore(t, nil)
	enqueueDirective(t, store, "CP14")
	id := settleNext(t, store, "held", "")

	w := foresight.NewWaiter(nil, store)
	cycle, err := w.WaitForCycle(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if cycle.Status != persistence.CycleStatusSucceeded || cycle.Result != "held" {
		t.Fatalf("cycle = %+v", cycle)
	}
}

func TestWaitForCycle_WakesOnBusEvent(t *testing.T) {
	b := bus.New()
	store := openStore(t, b)
	id := enqueueDirective(t, store, "CP14")

	go func() {
		time.Sleep(50 * time.Millisecond)
		settleNext(t, store, "held", "")
	}()

	w := foresight.NewWaiter(b, store)
	start := time.Now()
	cycle, err := w.WaitForCycle(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if cycle.Status != persistence.CycleStatusSucceeded {
		t.Fatalf("cycle = %+v", cycle)
	}
	// With the bus wired the poll interval is a full second; returning
	// sooner means the completion event did the waking.
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Fatalf("wait took %v, event did not wake the waiter", elapsed)
	}
}

func TestWaitForCycle_TimesOut(t *testing.T) {
	store := openStore(t, nil)
	id := enqueueDirective(t, store, "CP14")

	w := foresight.NewWaiter(nil, store)
	_, err := w.WaitForCycle(context.Background(), id, 200*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestWaitForCycle_UnknownCycle(t *testing.T) {
	store := openStore(t, nil)
	w := foresight.NewWaiter(nil, store)
	_, err := w.WaitForCycle(context.Background(), "no-such-cycle", time.Second)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("error = %v", err)
	}
}

func TestWaitForAll_CollectsEveryTerminalCycle(t *testing.T) {
	b := bus.New()
	store := openStore(t, b)
	first := enqueueDirective(t, store, "CP14")
	second := enqueueDirective(t, store, "CP6")

	go func() {
		time.Sleep(20 * time.Millisecond)
		settleNext(t, store, "done", "")
		settleNext(t, store, "", "relay fault")
	}()

	w := foresight.NewWaiter(b, store)
	cycles, err := w.WaitForAll(context.Background(), []string{first, second}, 5*time.Second)
	if err != nil {
		t.Fatalf("wait all: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("cycles = %d, want 2", len(cycles))
	}
	if cycles[first].Status != persistence.CycleStatusSucceeded {
		t.Fatalf("first = %+v", cycles[first])
	}
	// A terminal failure is an answer, not a wait error.
	if cycles[second].Status != persistence.CycleStatusFailed || cycles[second].Error != "relay fault" {
		t.Fatalf("second = %+v", cycles[second])
	}
}
