package foresight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

// Waiter blocks on cycle completion, event-driven with a polling
// fallback so a dropped event never strands a plan.
type Waiter struct {
	eventBus *bus.Bus // nil means polling only
	store    *persistence.Store
}

// NewWaiter builds a waiter. The bus may be nil.
func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForCycle blocks until the cycle reaches a terminal status or the
// timeout passes.
func (w *Waiter) WaitForCycle(ctx context.Context, cycleID string, timeout time.Duration) (*persistence.Cycle, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the first check so a completion between the two
	// cannot be missed.
	var events <-chan bus.Event
	if w.eventBus != nil {
		sub := w.eventBus.Subscribe("cycle.")
		defer w.eventBus.Unsubscribe(sub)
		events = sub.Ch()
	}

	cycle, err := w.checkTerminal(ctx, cycleID)
	if err != nil || cycle != nil {
		return cycle, err
	}

	interval := time.Second
	if w.eventBus == nil {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for cycle %s: %w", cycleID, ctx.Err())

		case <-ticker.C:
			cycle, err := w.checkTerminal(ctx, cycleID)
			if err != nil || cycle != nil {
				return cycle, err
			}

		case ev, ok := <-events:
			if !ok {
				// Subscription closed; the ticker carries on alone.
				events = nil
				continue
			}
			change, is := ev.Payload.(bus.CycleStateChangedEvent)
			if !is || change.CycleID != cycleID {
				continue
			}
			cycle, err := w.checkTerminal(ctx, cycleID)
			if err != nil || cycle != nil {
				return cycle, err
			}
		}
	}
}

// WaitForAll waits for every cycle; a failing cycle does not abort the
// others. The error joins every wait failure.
func (w *Waiter) WaitForAll(ctx context.Context, cycleIDs []string, timeout time.Duration) (map[string]*persistence.Cycle, error) {
	results := make(map[string]*persistence.Cycle)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(cycleIDs))

	for _, id := range cycleIDs {
		wg.Add(1)
		go func(cycleID string) {
			defer wg.Done()
			cycle, err := w.WaitForCycle(ctx, cycleID, timeout)
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			results[cycleID] = cycle
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return results, errors.Join(errs...)
}

// checkTerminal returns the cycle once it is terminal, nil while it is
// still in flight.
func (w *Waiter) checkTerminal(ctx context.Context, cycleID string) (*persistence.Cycle, error) {
	cycle, err := w.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fmt.Errorf("cycle %s not found", cycleID)
	}
	if !terminalStatus(cycle.Status) {
		return nil, nil
	}
	return cycle, nil
}

func terminalStatus(status persistence.CycleStatus) bool {
	switch status {
	case persistence.CycleStatusSucceeded,
		persistence.CycleStatusFailed,
		persistence.CycleStatusCanceled,
		persistence.CycleStatusDeadLetter:
		return true
	}
	return false
}
