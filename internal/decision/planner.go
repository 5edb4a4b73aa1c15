package decision

import (
	"sort"
	"sync"
)

// Plan is an ordered action plan. Revisions mutate in place and bump the
// version; superseded content is discarded, not archived.
type Plan struct {
	Steps          []Step              `json:"steps"`
	GoalRefs       map[string]struct{} `json:"-"`
	ConstraintRefs map[string]struct{} `json:"-"`
	Version        int                 `json:"version"`
}

// Scored pairs a surviving candidate with its ranking inputs.
type Scored struct {
	Step      Step
	Alignment float64 // goal alignment, 0..1
	Risk      RiskAssessment
	Score     float64
}

// AdaptivePlanner ranks candidates and maintains plans. Ranking is
// score = goalWeight*alignment + riskWeight*(1-composite), ties broken by
// lowest estimated duration, then step ID, so output is fully deterministic.
type AdaptivePlanner struct {
	GoalWeight float64
	RiskWeight float64
	mu         sync.Mutex
}

// NewAdaptivePlanner creates a planner; zero weights fall back to 0.6/0.4.
func NewAdaptivePlanner(goalWeight, riskWeight float64) *AdaptivePlanner {
	if goalWeight <= 0 && riskWeight <= 0 {
		goalWeight, riskWeight = 0.6, 0.4
	}
	return &AdaptivePlanner{GoalWeight: goalWeight, RiskWeight: riskWeight}
}

// Build creates a version-1 plan over the ranked steps.
func (p *AdaptivePlanner) Build(steps []Step, goals []Goal, constraints []Constraint) *Plan {
	plan := &Plan{
		Steps:          steps,
		GoalRefs:       make(map[string]struct{}, len(goals)),
		ConstraintRefs: make(map[string]struct{}, len(constraints)),
		Version:        1,
	}
	for _, g := range goals {
		plan.GoalRefs[g.ID] = struct{}{}
	}
	for _, c := range constraints {
		plan.ConstraintRefs[c.ID] = struct{}{}
	}
	return plan
}

// Revise replaces a plan's steps in place and increments the version.
func (p *AdaptivePlanner) Revise(plan *Plan, steps []Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan.Steps = steps
	plan.Version++
}

// Select scores and ranks candidates in descending order.
func (p *AdaptivePlanner) Select(candidates []Scored) []Scored {
	for i := range candidates {
		candidates[i].Score = p.GoalWeight*candidates[i].Alignment +
			p.RiskWeight*(1-candidates[i].Risk.Composite)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Step.EstimatedDuration != b.Step.EstimatedDuration {
			return a.Step.EstimatedDuration < b.Step.EstimatedDuration
		}
		return a.Step.ID < b.Step.ID
	})
	return candidates
}
