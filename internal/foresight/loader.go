package foresight

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type planFile struct {
	Name  string     `yaml:"name"`
	Steps []stepFile `yaml:"steps"`
}

type stepFile struct {
	ID         string   `yaml:"id"`
	Roster     string   `yaml:"roster"`
	Directive  string   `yaml:"directive"`
	DependsOn  []string `yaml:"depends_on"`
	MaxRetries int      `yaml:"max_retries"`
}

// LoadPlanFile reads and validates one plan from a YAML file.
func LoadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes YAML plan bytes and validates the result.
func ParsePlan(data []byte) (*Plan, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	plan := &Plan{
		Name:  pf.Name,
		Steps: make([]PlanStep, len(pf.Steps)),
	}
	for i, sf := range pf.Steps {
		plan.Steps[i] = PlanStep{
			ID:         sf.ID,
			RosterID:   sf.Roster,
			Directive:  sf.Directive,
			DependsOn:  sf.DependsOn,
			MaxRetries: sf.MaxRetries,
		}
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}
