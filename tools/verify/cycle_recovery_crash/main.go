// Command cycle_recovery_crash drives the crash-recovery path by hand.
// A wrapper script runs prepare, starts claim-sleep, SIGKILLs it
// mid-run, then runs recover against the same ledger and checks that
// no cycle is stuck in RUNNING.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Narth/Calyx-sub001/internal/persistence"
)

const drillMember = "CP14"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to the station ledger")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		cycleID, err := store.EnqueueCycle(ctx, persistence.CycleKindDirective, drillMember,
			`{"directive":"crash recovery drill"}`)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue cycle: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_CYCLE_ID=%s\n", cycleID)
	case "claim-sleep":
		cycle, err := store.ClaimNextQueuedCycleFor(ctx, drillMember)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim cycle: %v\n", err)
			os.Exit(1)
		}
		if cycle == nil {
			fmt.Fprintln(os.Stderr, "no claimable cycle")
			os.Exit(1)
		}
		if err := store.StartCycleRun(ctx, cycle.ID, cycle.LeaseOwner, "gates-drill"); err != nil {
			fmt.Fprintf(os.Stderr, "start cycle run: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_CYCLE_ID=%s\n", cycle.ID)
		fmt.Printf("CLAIM_OWNER=%s\n", cycle.LeaseOwner)
		// Hold the claim until the wrapper kills us.
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.RecoverRunningCycles(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover running cycles: %v\n", err)
			os.Exit(1)
		}
		requeued, err := store.RequeueExpiredClaims(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "requeue expired claims: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		fmt.Printf("REQUEUED=%d\n", requeued)

		cycles, _, err := store.ListCycles(ctx, "", 100, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list cycles: %v\n", err)
			os.Exit(1)
		}
		pass := true
		for _, cycle := range cycles {
			fmt.Printf("CYCLE_STATUS id=%s status=%s owner=%q\n", cycle.ID, cycle.Status, cycle.LeaseOwner)
			if cycle.Status == persistence.CycleStatusRunning {
				pass = false
			}
		}
		if !pass {
			fmt.Println("VERDICT FAIL — cycles still RUNNING after recovery")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
