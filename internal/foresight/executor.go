package foresight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Narth/Calyx-sub001/internal/bus"
	"github.com/Narth/Calyx-sub001/internal/persistence"
)

// DirectivePayload rides in a directive cycle's payload column.
type DirectivePayload struct {
	ExecutionID string `json:"execution_id"`
	PlanName    string `json:"plan_name"`
	StepID      string `json:"step_id"`
	Directive   string `json:"directive"`
	Attempt     int    `json:"attempt"`
}

// Executor runs plans through the cycle queue, one wave at a time.
type Executor struct {
	store  *persistence.Store
	waiter *Waiter
	bus    *bus.Bus
	logger *slog.Logger

	// StepTimeout bounds one wave's wait; RetryBackoff spaces
	// re-dispatches of a failed step.
	StepTimeout  time.Duration
	RetryBackoff time.Duration
}

// NewExecutor builds an executor. The bus may be nil.
func NewExecutor(store *persistence.Store, waiter *Waiter, b *bus.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:        store,
		waiter:       waiter,
		bus:          b,
		logger:       logger,
		StepTimeout:  5 * time.Minute,
		RetryBackoff: 2 * time.Second,
	}
}

// Execute validates the plan and runs it to completion. A step that
// stays failed after its retries aborts the remaining waves; the
// partial result is still returned.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	waves, err := topoSort(plan.Steps)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.Name, err)
	}

	result := &ExecutionResult{
		ExecutionID: uuid.NewString(),
		PlanName:    plan.Name,
		StartedAt:   time.Now().UTC(),
		Steps:       make(map[string]StepResult),
		Waves:       len(waves),
	}
	e.logger.Info("plan started",
		"plan", plan.Name, "execution_id", result.ExecutionID,
		"steps", len(plan.Steps), "waves", len(waves))

	for waveNum, wave := range waves {
		if err := e.executeWave(ctx, result, wave); err != nil {
			result.FinishedAt = time.Now().UTC()
			e.publishCompleted(result, "failed")
			return result, fmt.Errorf("plan %s wave %d: %w", plan.Name, waveNum, err)
		}
	}

	result.FinishedAt = time.Now().UTC()
	e.publishCompleted(result, "succeeded")
	e.logger.Info("plan completed",
		"plan", plan.Name, "execution_id", result.ExecutionID,
		"duration_ms", result.TotalDurationMs())
	return result, nil
}

// executeWave dispatches every step in the wave, waits for all of them,
// then works through failures one retry at a time.
func (e *Executor) executeWave(ctx context.Context, result *ExecutionResult, wave []PlanStep) error {
	cycleToStep := make(map[string]PlanStep, len(wave))
	var cycleIDs []string

	for _, step := range wave {
		cycleID, err := e.dispatch(ctx, result, step, 1)
		if err != nil {
			result.Steps[step.ID] = StepResult{Status: "FAILED", Error: err.Error(), Attempts: 1}
			return fmt.Errorf("dispatch step %s: %w", step.ID, err)
		}
		cycleToStep[cycleID] = step
		cycleIDs = append(cycleIDs, cycleID)
	}

	cycles, err := e.waiter.WaitForAll(ctx, cycleIDs, e.StepTimeout)
	if err != nil {
		return err
	}

	var failed []string
	for cycleID, cycle := range cycles {
		step := cycleToStep[cycleID]
		sr := stepResult(cycle, 1)
		if retryable(cycle.Status) {
			sr, err = e.retryStep(ctx, result, step, sr)
			if err != nil {
				result.Steps[step.ID] = sr
				return err
			}
		}
		result.Steps[step.ID] = sr
		if sr.Status != string(persistence.CycleStatusSucceeded) {
			failed = append(failed, step.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("steps failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// retryStep re-dispatches one failed step until it succeeds or runs out
// of attempts. Each retry carries the previous error so the member sees
// what went wrong.
func (e *Executor) retryStep(ctx context.Context, result *ExecutionResult, step PlanStep, last StepResult) (StepResult, error) {
	maxRetries := step.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	for attempt := 2; attempt <= maxRetries+1; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(e.RetryBackoff):
		}

		retry := step
		retry.Directive = buildRetryDirective(step.Directive, last.Error, attempt)
		cycleID, err := e.dispatch(ctx, result, retry, attempt)
		if err != nil {
			return last, fmt.Errorf("retry step %s: %w", step.ID, err)
		}
		if e.bus != nil {
			e.bus.Publish(bus.TopicPlanStepRetry, bus.PlanStepEvent{
				ExecutionID: result.ExecutionID,
				PlanName:    result.PlanName,
				StepID:      step.ID,
				CycleID:     cycleID,
				RosterID:    step.RosterID,
				Attempt:     attempt,
			})
		}

		cycle, err := e.waiter.WaitForCycle(ctx, cycleID, e.StepTimeout)
		if err != nil {
			return last, err
		}
		last = stepResult(cycle, attempt)
		if !retryable(cycle.Status) {
			break
		}
	}
	return last, nil
}

// dispatch resolves references to earlier results and enqueues the
// directive cycle.
func (e *Executor) dispatch(ctx context.Context, result *ExecutionResult, step PlanStep, attempt int) (string, error) {
	payload, err := json.Marshal(DirectivePayload{
		ExecutionID: result.ExecutionID,
		PlanName:    result.PlanName,
		StepID:      step.ID,
		Directive:   resolveDirective(step.Directive, result),
		Attempt:     attempt,
	})
	if err != nil {
		return "", err
	}
	cycleID, err := e.store.EnqueueCycle(ctx, persistence.CycleKindDirective, step.RosterID, string(payload))
	if err != nil {
		return "", err
	}
	if e.bus != nil && attempt == 1 {
		e.bus.Publish(bus.TopicPlanStepStarted, bus.PlanStepEvent{
			ExecutionID: result.ExecutionID,
			PlanName:    result.PlanName,
			StepID:      step.ID,
			CycleID:     cycleID,
			RosterID:    step.RosterID,
			Attempt:     attempt,
		})
	}
	return cycleID, nil
}

func (e *Executor) publishCompleted(result *ExecutionResult, status string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.TopicPlanCompleted, bus.PlanCompletedEvent{
		ExecutionID: result.ExecutionID,
		PlanName:    result.PlanName,
		Status:      status,
		Steps:       len(result.Steps),
	})
}

func stepResult(cycle *persistence.Cycle, attempt int) StepResult {
	return StepResult{
		CycleID:    cycle.ID,
		Status:     string(cycle.Status),
		Result:     cycle.Result,
		Error:      cycle.Error,
		Attempts:   attempt,
		DurationMs: cycle.UpdatedAt.Sub(cycle.CreatedAt).Milliseconds(),
	}
}

// retryable reports whether a terminal status warrants another attempt.
// Cancellation is an operator act and stays canceled.
func retryable(status persistence.CycleStatus) bool {
	return status == persistence.CycleStatusFailed || status == persistence.CycleStatusDeadLetter
}

// resolveDirective substitutes {step_id.result} references with the
// results of earlier steps.
func resolveDirective(directive string, result *ExecutionResult) string {
	for stepID, sr := range result.Steps {
		directive = strings.ReplaceAll(directive, "{"+stepID+".result}", sr.Result)
	}
	return directive
}

// topoSort groups steps into waves: wave 0 has no dependencies, wave 1
// depends only on wave 0, and so on. Kahn's algorithm; an exhausted
// pass with steps left means a dependency cycle.
func topoSort(steps []PlanStep) ([][]PlanStep, error) {
	processed := make(map[string]bool)
	var waves [][]PlanStep

	for len(processed) < len(steps) {
		var wave []PlanStep
		for _, s := range steps {
			if processed[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("dependency cycle among plan steps")
		}
		for _, s := range wave {
			processed[s.ID] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
