// Package foresight orchestrates multi-step station plans. A plan is a
// DAG of directives, each addressed to one roster member; the executor
// dispatches ready steps in parallel waves through the cycle queue and
// waits for each wave to settle before the next. The package also owns
// trend analysis over the heartbeat ledger.
package foresight

import (
	"fmt"
	"time"

	"github.com/Narth/Calyx-sub001/internal/shared"
)

// Plan is a DAG of steps executed in dependency order.
type Plan struct {
	Name  string
	Steps []PlanStep
}

// PlanStep is one directive inside a plan.
type PlanStep struct {
	ID         string
	RosterID   string
	Directive  string
	DependsOn  []string // step ids that must succeed first
	MaxRetries int      // re-dispatches after a terminal failure, default 2
}

// StepResult is the outcome of a single step.
type StepResult struct {
	CycleID    string
	Status     string
	Result     string
	Error      string
	Attempts   int
	DurationMs int64
}

// ExecutionResult is the overall outcome of a plan run.
type ExecutionResult struct {
	ExecutionID string
	PlanName    string
	StartedAt   time.Time
	FinishedAt  time.Time
	Steps       map[string]StepResult
	Waves       int
}

// Succeeded reports whether every step completed.
func (r *ExecutionResult) Succeeded() bool {
	if len(r.Steps) == 0 {
		return false
	}
	for _, sr := range r.Steps {
		if sr.Status != "SUCCEEDED" {
			return false
		}
	}
	return true
}

// TotalDurationMs sums the queue-to-terminal time of all steps. Cycles
// spend no tokens, so wall time is the cost the station meters.
func (r *ExecutionResult) TotalDurationMs() int64 {
	var total int64
	for _, sr := range r.Steps {
		total += sr.DurationMs
	}
	return total
}

// Validate checks that the plan is well-formed: named, unique step ids,
// real roster members, directives present, dependencies known, no
// cycles.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plan has no name")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps", p.Name)
	}

	seen := make(map[string]bool)
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("plan %s: step has empty id", p.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("plan %s: duplicate step id %s", p.Name, s.ID)
		}
		seen[s.ID] = true
		if !shared.ValidRosterID(s.RosterID) {
			return fmt.Errorf("plan %s step %s: invalid roster id %q", p.Name, s.ID, s.RosterID)
		}
		if s.Directive == "" {
			return fmt.Errorf("plan %s step %s: empty directive", p.Name, s.ID)
		}
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan %s: step %s depends on unknown step %s", p.Name, s.ID, dep)
			}
		}
	}

	_, err := topoSort(p.Steps)
	if err != nil {
		return fmt.Errorf("plan %s: %w", p.Name, err)
	}
	return nil
}
