// Command backup_restore_drill measures the station's backup path: it
// fills a throwaway ledger with governed work, snapshots it with the
// same VACUUM INTO the maintenance cycle uses, restores the snapshot
// and counts what came back. Output includes RPO/RTO durations for the
// release checklist.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Narth/Calyx-sub001/internal/persistence"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "calyx-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "calyx.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	const count = 40
	for i := 0; i < count; i++ {
		intentID, err := store.CreateIntent(ctx, fmt.Sprintf("Backup drill intent %d", i), "", "CP17", 3, 2)
		if err != nil {
			fmt.Printf("create_intent_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.UpdateIntentStatus(ctx, intentID, persistence.IntentStatusProposed, ""); err != nil {
			fmt.Printf("propose_intent_error=%v\n", err)
			os.Exit(1)
		}
		for _, signer := range []string{"CP7", "CP15"} {
			if _, _, err := store.CosignIntent(ctx, intentID, signer); err != nil {
				fmt.Printf("cosign_error=%v\n", err)
				os.Exit(1)
			}
		}
		cycleID, err := store.EnqueueCycle(ctx, persistence.CycleKindDirective, "CP14",
			fmt.Sprintf(`{"directive":"backup drill %d"}`, i))
		if err != nil {
			fmt.Printf("enqueue_cycle_error=%v\n", err)
			os.Exit(1)
		}
		cycle, err := store.ClaimNextQueuedCycleFor(ctx, "CP14")
		if err != nil || cycle == nil {
			fmt.Printf("claim_cycle_error=%v missing=%v\n", err, cycle == nil)
			os.Exit(1)
		}
		if err := store.StartCycleRun(ctx, cycleID, cycle.LeaseOwner, "gates-drill"); err != nil {
			fmt.Printf("start_cycle_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.CompleteCycle(ctx, cycleID, `{"done":true}`); err != nil {
			fmt.Printf("complete_cycle_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	var intentCount, cycleCount, eventCount int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM intents;`).Scan(&intentCount); err != nil {
		fmt.Printf("count_intents_error=%v\n", err)
		os.Exit(1)
	}
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM cycles;`).Scan(&cycleCount); err != nil {
		fmt.Printf("count_cycles_error=%v\n", err)
		os.Exit(1)
	}
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM cycle_events;`).Scan(&eventCount); err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_intents=%d\n", intentCount)
	fmt.Printf("restored_cycles=%d\n", cycleCount)
	fmt.Printf("restored_cycle_events=%d\n", eventCount)

	if intentCount < count || cycleCount < count || eventCount == 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
