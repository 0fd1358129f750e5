package foresight_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/foresight"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "calyx.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// directiveWorker drains the cycle queue the way a roster engine would.
// decide returns the result for a directive, or a failure message to
// fail it terminally.
type directiveWorker struct {
	mu   sync.Mutex
	seen []foresight.DirectivePayload
}

func startWorker(t *testing.T, store *persistence.Store, decide func(p foresight.DirectivePayload) (result, failMsg string)) *directiveWorker {
	t.Helper()
	w := &directiveWorker{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for ctx.Err() == nil {
			cycle, err := store.ClaimNextQueuedCycle(ctx)
			if err != nil || cycle == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Millisecond):
				}
				continue
			}
			if err := store.StartCycleRun(ctx, cycle.ID, cycle.LeaseOwner, "gates-test"); err != nil {
				continue
			}
			var p foresight.DirectivePayload
			if err := json.Unmarshal([]byte(cycle.Payload), &p); err != nil {
				_ = store.FailCycleTerminal(ctx, cycle.ID, "bad payload", "E_PAYLOAD")
				continue
			}
			w.mu.Lock()
			w.seen = append(w.seen, p)
			w.mu.Unlock()
			result, failMsg := decide(p)
			if failMsg != "" {
				_ = store.FailCycleTerminal(ctx, cycle.ID, failMsg, "E_DIRECTIVE")
				continue
			}
			_ = store.CompleteCycle(ctx, cycle.ID, result)
		}
	}()
	return w
}

// directives returns every directive text the worker saw for one step,
// in dispatch order.
func (w *directiveWorker) directives(stepID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, p := range w.seen {
		if p.StepID == stepID {
			out = append(out, p.Directive)
		}
	}
	return out
}

func newExecutor(store *persistence.Store, b *bus.Bus) *foresight.Executor {
	exec := foresight.NewExecutor(store, foresight.NewWaiter(b, store), b, testLogger())
	exec.StepTimeout = 10 * time.Second
	exec.RetryBackoff = time.Millisecond
	return exec
}

func TestExecute_RunsWavesAndSubstitutesResults(t *testing.T) {
	b := bus.New()
	store := openStore(t, b)
	worker := startWorker(t, store, func(p foresight.DirectivePayload) (string, string) {
		return "done:" + p.StepID, ""
	})
	exec := newExecutor(store, b)

	plan := &foresight.Plan{
		Name: "survey",
		Steps: []foresight.PlanStep{
			{ID: "scan", RosterID: "CP14", Directive: "Sweep the sensor logs."},
			{ID: "digest", RosterID: "CP6", Directive: "Fold {scan.result} into the digest.", DependsOn: []string{"scan"}},
			{ID: "report", RosterID: "CBO", Directive: "Note completion on the bridge.", DependsOn: []string{"scan"}},
		},
	}
	res, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("steps = %+v", res.Steps)
	}
	if res.Waves != 2 {
		t.Fatalf("waves = %d, want 2", res.Waves)
	}
	if got := res.Steps["scan"].Result; got != "done:scan" {
		t.Fatalf("scan result = %q", got)
	}
	dirs := worker.directives("digest")
	if len(dirs) != 1 || !strings.Contains(dirs[0], "done:scan") {
		t.Fatalf("digest directive = %v, want the scan result substituted", dirs)
	}
}

func TestExecute_RetriesTerminalFailure(t *testing.T) {
	b := bus.New()
	store := openStore(t, b)
	retrySub := b.Subscribe(bus.TopicPlanStepRetry)
	defer b.Unsubscribe(retrySub)

	worker := startWorker(t, store, func(p foresight.DirectivePayload) (string, string) {
		if p.Attempt == 1 {
			return "", "conduit jammed"
		}
		return "conduit cleared", ""
	})
	exec := newExecutor(store, b)

	plan := &foresight.Plan{
		Name:  "repair",
		Steps: []foresight.PlanStep{{ID: "clear", RosterID: "CP14", Directive: "Clear the aft conduit.", MaxRetries: 2}},
	}
	res, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	sr := res.Steps["clear"]
	if sr.Status != string(persistence.CycleStatusSucceeded) || sr.Attempts != 2 {
		t.Fatalf("step = %+v, want success on attempt 2", sr)
	}
	dirs := worker.directives("clear")
	if len(dirs) != 2 {
		t.Fatalf("dispatches = %d, want 2", len(dirs))
	}
	if !strings.Contains(dirs[1], "previously failed") || !strings.Contains(dirs[1], "conduit jammed") {
		t.Fatalf("retry directive = %q, want the prior error folded in", dirs[1])
	}

	select {
	case ev := <-retrySub.Ch():
		payload, ok := ev.Payload.(bus.PlanStepEvent)
		if !ok || payload.StepID != "clear" || payload.Attempt != 2 {
			t.Fatalf("retry event = %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no retry event on the bus")
	}
}

func TestExecute_AbortsWhenRetriesExhausted(t *testing.T) {
	b := bus.New()
	store := openStore(t, b)
	completedSub := b.Subscribe(bus.TopicPlanCompleted)
	defer b.Unsubscribe(completedSub)

	worker := startWorker(t, store, func(p foresight.DirectivePayload) (string, string) {
		return "", "hull sensor offline"
	})
	exec := newExecutor(store, b)

	plan := &foresight.Plan{
		Name: "inspection",
		Steps: []foresight.PlanStep{
			{ID: "fix", RosterID: "CP14", Directive: "Reseat the hull sensor.", MaxRetries: 1},
			{ID: "log", RosterID: "CBO", Directive: "Log the repair.", DependsOn: []string{"fix"}},
		},
	}
	res, err := exec.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected the plan to fail")
	}
	if !strings.Contains(err.Error(), "fix") {
		t.Fatalf("error = %v, want the failed step named", err)
	}
	sr := res.Steps["fix"]
	if sr.Status != string(persistence.CycleStatusFailed) || sr.Attempts != 2 {
		t.Fatalf("step = %+v, want terminal failure after 2 attempts", sr)
	}
	if res.Succeeded() {
		t.Fatal("partial result must not read as a success")
	}
	if got := worker.directives("log"); len(got) != 0 {
		t.Fatalf("dependent step dispatched despite the failure: %v", got)
	}

	select {
	case ev := <-completedSub.Ch():
		payload, ok := ev.Payload.(bus.PlanCompletedEvent)
		if !ok || payload.Status != "failed" {
			t.Fatalf("completed event = %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event on the bus")
	}
}

func TestExecute_RejectsInvalidPlan(t *testing.T) {
	store := openStore(t, nil)
	exec := newExecutor(store, nil)
	_, err := exec.Execute(context.Background(), &foresight.Plan{Name: "empty"})
	if err == nil || !strings.Contains(err.Error(), "no steps") {
		t.Fatalf("error = %v", err)
	}
}
