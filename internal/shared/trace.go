package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type rosterIDKey struct{}
type cycleIDKey struct{}
type runIDKey struct{}
type planHopKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRosterID attaches the acting roster member's id to the context.
func WithRosterID(ctx context.Context, rosterID string) context.Context {
	return context.WithValue(ctx, rosterIDKey{}, rosterID)
}

// RosterID extracts the acting roster member's id. Returns "" if absent.
func RosterID(ctx context.Context) string {
	if v, ok := ctx.Value(rosterIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCycleID attaches a cycle_id to the context.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, cycleID)
}

// CycleID extracts cycle_id from context. Returns "" if absent.
func CycleID(ctx context.Context) string {
	if v, ok := ctx.Value(cycleIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithPlanHop attaches a plan delegation hop count to the context.
func WithPlanHop(ctx context.Context, hop int) context.Context {
	return context.WithValue(ctx, planHopKey{}, hop)
}

// PlanHop extracts the plan delegation hop count (0 if absent).
func PlanHop(ctx context.Context) int {
	if v, ok := ctx.Value(planHopKey{}).(int); ok {
		return v
	}
	return 0
}

// OverseerID is the roster id of the bridge overseer itself.
const OverseerID = "CBO"
