package foresight_test

import (
	"strings"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/foresight"
)

func twoStepPlan() foresight.Plan {
	return foresight.Plan{
		Name: "survey",
		Steps: []foresight.PlanStep{
			{ID: "scan", RosterID: "CP14", Directive: "Sweep the sensor logs."},
			{ID: "digest", RosterID: "CP6", Directive: "Summarize {scan.result}.", DependsOn: []string{"scan"}},
		},
	}
}

func TestValidate_AcceptsWellFormedPlan(t *testing.T) {
	plan := twoStepPlan()
	if err := plan.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}
}

func TestValidate_RejectsMalformedPlans(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*foresight.Plan)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(p *foresight.Plan) { p.Name = "" },
			wantErr: "name",
		},
		{
			name:    "no steps",
			mutate:  func(p *foresight.Plan) { p.Steps = nil },
			wantErr: "no steps",
		},
		{
			name: "duplicate step id",
			mutate: func(p *foresight.Plan) {
				p.Steps = append(p.Steps, foresight.PlanStep{ID: "scan", RosterID: "CBO", Directive: "Again."})
			},
			wantErr: "duplicate",
		},
		{
			name:    "empty step id",
			mutate:  func(p *foresight.Plan) { p.Steps[0].ID = "" },
			wantErr: "id",
		},
		{
			name:    "unknown roster",
			mutate:  func(p *foresight.Plan) { p.Steps[0].RosterID = "CP99" },
			wantErr: "roster",
		},
		{
			name:    "empty directive",
			mutate:  func(p *foresight.Plan) { p.Steps[1].Directive = "" },
			wantErr: "directive",
		},
		{
			name:    "unknown dependency",
			mutate:  func(p *foresight.Plan) { p.Steps[1].DependsOn = []string{"ghost"} },
			wantErr: "unknown step",
		},
		{
			name: "dependency cycle",
			mutate: func(p *foresight.Plan) {
				p.Steps[0].DependsOn = []string{"digest"}
			},
			wantErr: "cycle",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := twoStepPlan()
			tc.mutate(&plan)
			err := plan.Validate()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestExecutionResult_Succeeded(t *testing.T) {
	var empty foresight.ExecutionResult
	if empty.Succeeded() {
		t.Fatal("empty execution must not count as a success")
	}
	mixed := foresight.ExecutionResult{Steps: map[string]foresight.StepResult{
		"a": {Status: "SUCCEEDED", DurationMs: 120},
		"b": {Status: "FAILED", DurationMs: 30},
	}}
	if mixed.Succeeded() {
		t.Fatal("a failed step must fail the execution")
	}
	if got := mixed.TotalDurationMs(); got != 150 {
		t.Fatalf("total duration = %d, want 150", got)
	}
}
