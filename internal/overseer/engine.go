// Package overseer runs the CBO cycle loop. Workers claim queued
// cycles from the ledger, pin the gate version, execute the cycle's
// kind processor under a timeout while a goroutine keeps the claim
// alive, and record the outcome through the retry and dead-letter
// machinery. Gate refusals and vanished leases fail terminally; every
// other error earns the cycle a retry until the poison threshold or
// attempt budget runs out.
package overseer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Narth/Calyx-sub001/internal/autonomy"
	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/persistence"
	"github.com/Narth/Calyx-sub001/internal/safety"
	"github.com/Narth/Calyx-sub001/internal/shared"
)

const (
	claimHeartbeatInterval = 10 * time.Second
	ageThreshold           = 30 * time.Second
	maxAgedPriority        = 10
)

// Config sizes one engine.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	CycleTimeout  time.Duration
	MaxQueueDepth int    // 0 = unlimited
	RosterID      string // if set, workers only claim cycles addressed to this member
	Bus           *bus.Bus
	Governor      *safety.Governor
}

// Processor executes one claimed cycle and returns its result payload.
type Processor interface {
	Process(ctx context.Context, cycle persistence.Cycle) (string, error)
}

// Status is a point-in-time engine snapshot for the dashboard and console.
type Status struct {
	RosterID     string `json:"roster_id,omitempty"`
	Workers      int    `json:"workers"`
	ActiveCycles int32  `json:"active_cycles"`
	Paused       bool   `json:"paused"`
	LastError    string `json:"last_error,omitempty"`
}

// Engine is the claiming loop. One engine serves the whole station;
// roster members get their own engine scoped by RosterID, all sharing
// the same store.
type Engine struct {
	store  *persistence.Store
	proc   Processor
	gates  autonomy.Checker
	config Config
	b      *bus.Bus
	gov    *safety.Governor
	logger *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	activeCycles atomic.Int32
	lastError    atomic.Pointer[string]
}

func New(store *persistence.Store, proc Processor, gates autonomy.Checker, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 10 * time.Minute
	}
	if proc == nil {
		proc = Mux{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		proc:    proc,
		gates:   gates,
		config:  cfg,
		b:       cfg.Bus,
		gov:     cfg.Governor,
		logger:  logger,
		cancels: map[string]context.CancelFunc{},
	}
}

// Start recovers cycles stranded RUNNING by a crash, then spawns the
// workers. Safe to call once; later calls are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		n, err := e.store.RecoverRunningCycles(ctx)
		if err != nil {
			e.logger.Error("cycle recovery failed", "error", err)
		} else if n > 0 {
			e.logger.Info("recovered stale cycles on startup", "count", n)
		}
		if e.gov != nil {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.governorLoop(ctx)
			}()
		}
		for i := 0; i < e.config.Workers; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx)
			}()
		}
	})
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits for in-flight cycles to finish. Cycles still running at
// the deadline keep their claims and are recovered on next startup.
func (e *Engine) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("overseer drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("overseer drain timeout; in-flight cycles recover on next startup", "timeout", timeout)
	}
}

func (e *Engine) governorLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.gov.Check()
		}
	}
}

func (e *Engine) worker(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if e.gov != nil && e.gov.Paused() {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		if _, err := e.store.RequeueExpiredClaims(ctx); err != nil {
			e.setLastError(fmt.Errorf("requeue expired claims: %w", err))
		}
		// Age queued priorities so a busy lease backlog cannot starve
		// housekeeping cycles forever.
		if _, err := e.store.AgeQueuedPriorities(ctx, ageThreshold, maxAgedPriority); err != nil {
			e.setLastError(fmt.Errorf("age queued priorities: %w", err))
		}

		var cycle *persistence.Cycle
		var err error
		if e.config.RosterID != "" {
			cycle, err = e.store.ClaimNextQueuedCycleFor(ctx, e.config.RosterID)
		} else {
			cycle, err = e.store.ClaimNextQueuedCycle(ctx)
		}
		if err != nil {
			e.setLastError(err)
		}
		if err != nil || cycle == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		// Pin the gate version at attempt start; the processor sees the
		// rules that were live when its run began.
		runCtx := shared.WithRunID(ctx, shared.NewRunID())
		if err := e.store.StartCycleRun(runCtx, cycle.ID, cycle.LeaseOwner, e.gateVersion()); err != nil {
			e.setLastError(fmt.Errorf("start cycle run: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		cycle.Status = persistence.CycleStatusRunning
		cycle.RunID = shared.RunID(runCtx)
		e.handleCycle(runCtx, *cycle)
	}
}

func (e *Engine) gateVersion() string {
	if e.gates == nil {
		return ""
	}
	return e.gates.Version()
}

func (e *Engine) handleCycle(ctx context.Context, cycle persistence.Cycle) {
	traceID := cycle.TraceID
	if traceID == "" {
		traceID = shared.NewTraceID()
	}
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithCycleID(ctx, cycle.ID)
	ctx = shared.WithRosterID(ctx, cycle.RosterID)
	e.logger.Info("cycle processing",
		"cycle_id", cycle.ID, "kind", cycle.Kind, "roster_id", cycle.RosterID,
		"run_id", cycle.RunID, "trace_id", traceID)

	cycleCtx, cancel := context.WithTimeout(ctx, e.config.CycleTimeout)
	e.activeCycles.Add(1)
	defer e.activeCycles.Add(-1)

	e.cancelMu.Lock()
	e.cancels[cycle.ID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, cycle.ID)
		e.cancelMu.Unlock()
	}()

	// Observe cancellation before the processing boundary.
	if cycleCtx.Err() != nil {
		e.concedeCanceled(cycle.ID)
		return
	}
	if requested, _ := e.store.IsCancelRequested(context.Background(), cycle.ID); requested {
		_, _ = e.store.CancelCycle(context.Background(), cycle.ID)
		return
	}

	go func() {
		ticker := time.NewTicker(claimHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cycleCtx.Done():
				return
			case <-ticker.C:
				if requested, _ := e.store.IsCancelRequested(context.Background(), cycle.ID); requested {
					cancel()
					return
				}
				ok, err := e.store.HeartbeatClaim(context.Background(), cycle.ID, cycle.LeaseOwner)
				if err != nil {
					e.setLastError(fmt.Errorf("claim heartbeat: %w", err))
					continue
				}
				if !ok {
					// Claim lost: the cycle was requeued or finished
					// elsewhere. Abandon this attempt without touching it.
					e.setLastError(fmt.Errorf("claim lost for cycle %s", cycle.ID))
					cancel()
					return
				}
			}
		}
	}()

	result, err := e.proc.Process(cycleCtx, cycle)
	if err != nil {
		if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("cycle timeout exceeded: %w", cycleCtx.Err())
		} else if errors.Is(cycleCtx.Err(), context.Canceled) {
			e.concedeCanceled(cycle.ID)
			return
		}
		e.failCycle(cycle.ID, err)
		return
	}

	// Never write a success result once the context has ended: the
	// claim may already belong to someone else.
	if cycleCtx.Err() != nil {
		if errors.Is(cycleCtx.Err(), context.Canceled) {
			e.concedeCanceled(cycle.ID)
			return
		}
		e.failCycle(cycle.ID, fmt.Errorf("skip complete after context end: %w", cycleCtx.Err()))
		return
	}

	if err := e.store.CompleteCycle(context.Background(), cycle.ID, result); err != nil {
		e.setLastError(fmt.Errorf("complete cycle: %w", err))
		return
	}
	// last_seen_at feeds the pulse crew table.
	_ = e.store.TouchRosterMember(context.Background(), cycle.RosterID)
}

// concedeCanceled finishes a canceled attempt. Only an operator cancel
// moves the cycle to CANCELED; a lost claim or daemon shutdown leaves
// the row for the expiry sweep or next-boot recovery to requeue.
func (e *Engine) concedeCanceled(cycleID string) {
	if requested, _ := e.store.IsCancelRequested(context.Background(), cycleID); requested {
		_, _ = e.store.CancelCycle(context.Background(), cycleID)
	}
}

func (e *Engine) failCycle(cycleID string, err error) {
	e.setLastError(err)
	if reason, ok := terminalReason(err); ok {
		var ferr error
		if reason == "" {
			ferr = e.store.FailCycle(context.Background(), cycleID, err.Error())
		} else {
			ferr = e.store.FailCycleTerminal(context.Background(), cycleID, err.Error(), reason)
		}
		if ferr != nil {
			e.setLastError(fmt.Errorf("terminal fail: %w", ferr))
		}
		return
	}
	if _, ferr := e.store.HandleCycleFailure(context.Background(), cycleID, err.Error()); ferr != nil {
		e.setLastError(fmt.Errorf("handle failure: %w", ferr))
	}
}

// Abort cancels a cycle: in-flight work is context-canceled, queued
// work transitions straight to CANCELED.
func (e *Engine) Abort(ctx context.Context, cycleID string) (bool, error) {
	if _, err := e.store.RequestCancel(ctx, cycleID); err != nil {
		return false, err
	}
	e.cancelMu.RLock()
	cancel, ok := e.cancels[cycleID]
	e.cancelMu.RUnlock()
	if ok {
		cancel()
		return true, nil
	}
	canceled, err := e.store.CancelCycle(ctx, cycleID)
	if err != nil {
		e.setLastError(err)
		return false, err
	}
	return canceled, nil
}

// Enqueue adds a housekeeping cycle, refusing when the queue is
// saturated.
func (e *Engine) Enqueue(ctx context.Context, kind, rosterID, payload string) (string, error) {
	if err := e.checkDepth(ctx); err != nil {
		return "", err
	}
	return e.store.EnqueueCycle(ctx, kind, rosterID, payload)
}

// EnqueueLeaseExecution queues the execution cycle for an active lease.
func (e *Engine) EnqueueLeaseExecution(ctx context.Context, leaseID, rosterID, payload string, priority int) (string, error) {
	if err := e.checkDepth(ctx); err != nil {
		return "", err
	}
	return e.store.EnqueueLeaseCycle(ctx, leaseID, rosterID, payload, priority)
}

func (e *Engine) checkDepth(ctx context.Context) error {
	if e.config.MaxQueueDepth <= 0 {
		return nil
	}
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		return fmt.Errorf("check queue depth: %w", err)
	}
	if depth >= e.config.MaxQueueDepth {
		e.logger.Warn("queue backpressure applied", "depth", depth, "max", e.config.MaxQueueDepth)
		return shared.ErrQueueSaturated
	}
	return nil
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

// Bus returns the event bus, or nil if not configured.
func (e *Engine) Bus() *bus.Bus {
	return e.b
}

func (e *Engine) Status() Status {
	s := Status{
		RosterID:     e.config.RosterID,
		Workers:      e.config.Workers,
		ActiveCycles: e.activeCycles.Load(),
	}
	if e.gov != nil {
		s.Paused = e.gov.Paused()
	}
	if ptr := e.lastError.Load(); ptr != nil {
		s.LastError = *ptr
	}
	return s
}

// terminalError wraps a failure that would repeat identically on every
// retry, carrying the reason code the ledger should record.
type terminalError struct {
	reason string
	err    error
}

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal marks err as non-retryable under the given reason code.
func Terminal(reason string, err error) error {
	return &terminalError{reason: reason, err: err}
}

func terminalReason(err error) (string, bool) {
	var t *terminalError
	if errors.As(err, &t) {
		return t.reason, true
	}
	if errors.Is(err, shared.ErrSafeMode) || errors.Is(err, shared.ErrGateRefused) {
		return persistence.ReasonSafeModeRefusal, true
	}
	return "", false
}
