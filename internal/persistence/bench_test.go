package persistence_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/persistence"
)

// BenchmarkStartup measures cold-start time: Open + schema migration.
func BenchmarkStartup(b *testing.B) {
	for i := 0; i < b.N; i++ {
		dir := b.TempDir()
		dbPath := filepath.Join(dir, "calyx.db")
		store, err := persistence.Open(dbPath, nil)
		if err != nil {
			b.Fatalf("open: %v", err)
		}
		_ = store.Close()
	}
}

// BenchmarkClaimLatency measures the claim/start/complete path one worker runs
// for every cycle it picks up.
func BenchmarkClaimLatency(b *testing.B) {
	dir := b.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "calyx.db"), nil)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	// Pre-populate cycles.
	for i := 0; i < 100; i++ {
		if _, err := store.EnqueueCycle(ctx, persistence.CycleKindMaintenance, "CP6", fmt.Sprintf(`{"note":"bench-%d"}`, i)); err != nil {
			b.Fatalf("enqueue cycle: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cycle, err := store.ClaimNextQueuedCycle(ctx)
		if err != nil {
			b.Fatalf("claim: %v", err)
		}
		if cycle == nil {
			// Refill queue.
			b.StopTimer()
			for j := 0; j < 100; j++ {
				if _, err := store.EnqueueCycle(ctx, persistence.CycleKindMaintenance, "CP6", fmt.Sprintf(`{"note":"bench-refill-%d-%d"}`, i, j)); err != nil {
					b.Fatalf("refill: %v", err)
				}
			}
			b.StartTimer()
			continue
		}
		if err := store.StartCycleRun(ctx, cycle.ID, cycle.LeaseOwner, ""); err != nil {
			b.Fatalf("start run: %v", err)
		}
		if err := store.CompleteCycle(ctx, cycle.ID, `{"ok":true}`); err != nil {
			b.Fatalf("complete: %v", err)
		}
	}
}

// BenchmarkConcurrentWorkers exercises the full roster claiming cycles at once.
func BenchmarkConcurrentWorkers(b *testing.B) {
	dir := b.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "calyx.db"), nil)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	const numWorkers = 10
	for i := 0; i < numWorkers; i++ {
		rosterID := fmt.Sprintf("CP%d", 6+i)
		for j := 0; j < 10; j++ {
			if _, err := store.EnqueueCycle(ctx, persistence.CycleKindMaintenance, rosterID, fmt.Sprintf(`{"note":"c-%d-%d"}`, i, j)); err != nil {
				b.Fatalf("enqueue cycle: %v", err)
			}
		}
	}

	b.ResetTimer()
	var wg sync.WaitGroup
	for i := 0; i < b.N; i++ {
		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cycle, err := store.ClaimNextQueuedCycle(ctx)
				if err != nil || cycle == nil {
					return
				}
				_ = store.StartCycleRun(ctx, cycle.ID, cycle.LeaseOwner, "")
				_ = store.CompleteCycle(ctx, cycle.ID, `{"ok":true}`)
			}()
		}
		wg.Wait()
	}
}
