package decision

import (
	"fmt"
	"time"
)

// ConstraintKind categorizes what a constraint bounds.
type ConstraintKind string

const (
	ConstraintResource ConstraintKind = "resource"
	ConstraintTime     ConstraintKind = "time"
	ConstraintQuality  ConstraintKind = "quality"
)

// Comparator is the direction of a constraint bound.
type Comparator string

const (
	AtMost  Comparator = "at_most"
	AtLeast Comparator = "at_least"
)

// Constraint is an immutable bound evaluated per decision.
type Constraint struct {
	ID         string         `json:"id"`
	Kind       ConstraintKind `json:"kind"`
	Metric     string         `json:"metric"`
	Bound      float64        `json:"bound"`
	Comparator Comparator     `json:"comparator"`
	Severity   int            `json:"severity"` // 0..10
}

// Violation records one constraint a candidate step breaks.
type Violation struct {
	ConstraintID string  `json:"constraint_id"`
	StepID       string  `json:"step_id"`
	Actual       float64 `json:"actual"`
	Bound        float64 `json:"bound"`
	Detail       string  `json:"detail"`
}

// Step is a candidate action the engine chooses between.
type Step struct {
	ID                string             `json:"id"`
	ActionType        string             `json:"action_type"`
	Target            string             `json:"target"`
	EstimatedDuration time.Duration      `json:"estimated_duration"`
	ExpectedImpact    map[string]float64 `json:"expected_impact"`
	ResourceCost      map[string]float64 `json:"resource_cost"`
}

// ConstraintHandler validates candidate steps against constraints. It is
// stateless; resource checks compare against the caller-supplied usage
// snapshot so the handler never double-accounts resources it cannot see.
type ConstraintHandler struct{}

// NewConstraintHandler returns the default validator.
func NewConstraintHandler() *ConstraintHandler {
	return &ConstraintHandler{}
}

// Validate returns every constraint the step would break. An empty slice
// means the step is clean.
func (h *ConstraintHandler) Validate(step Step, constraints []Constraint, usage map[string]float64) []Violation {
	var violations []Violation
	for _, c := range constraints {
		actual, applies := actualValue(step, c, usage)
		if !applies {
			continue
		}
		if satisfied(actual, c) {
			continue
		}
		violations = append(violations, Violation{
			ConstraintID: c.ID,
			StepID:       step.ID,
			Actual:       actual,
			Bound:        c.Bound,
			Detail: fmt.Sprintf("%s %s: %.3f %s bound %.3f",
				c.Kind, c.Metric, actual, violationWord(c.Comparator), c.Bound),
		})
	}
	return violations
}

func actualValue(step Step, c Constraint, usage map[string]float64) (float64, bool) {
	switch c.Kind {
	case ConstraintResource:
		cost, ok := step.ResourceCost[c.Metric]
		if !ok {
			return 0, false
		}
		return usage[c.Metric] + cost, true
	case ConstraintTime:
		return step.EstimatedDuration.Seconds(), true
	case ConstraintQuality:
		impact, ok := step.ExpectedImpact[c.Metric]
		if !ok {
			// A quality floor applies even when the step promises nothing.
			return 0, c.Comparator == AtLeast
		}
		return impact, true
	}
	return 0, false
}

func satisfied(actual float64, c Constraint) bool {
	switch c.Comparator {
	case AtMost:
		return actual <= c.Bound
	case AtLeast:
		return actual >= c.Bound
	}
	return false
}

func violationWord(cmp Comparator) string {
	if cmp == AtMost {
		return "exceeds"
	}
	return "below"
}
