package decision

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// DecisionContext carries everything one MakeDecision call needs. The
// engine never reads shared state beyond its injected components, so
// identical contexts yield identical decisions.
type DecisionContext struct {
	ActionType  string
	Candidates  []Step
	Constraints []Constraint
	// Usage is the caller's current resource usage snapshot.
	Usage map[string]float64
}

// Decision is the immutable output of one MakeDecision call.
type Decision struct {
	ActionType   string   `json:"action_type"`
	ChosenStep   Step     `json:"chosen_step"`
	Confidence   float64  `json:"confidence"`
	Reasoning    []string `json:"reasoning"`
	Alternatives []Step   `json:"alternatives"`
}

// Margin is the score gap between the chosen step and the runner-up in a
// Rank result. Proposal builders record it so downstream consumers can
// see how contested the choice was.
func (d *Decision) Margin(scores []Scored) float64 {
	if len(scores) < 2 {
		return 1
	}
	return scores[0].Score - scores[1].Score
}

// Engine is the universal decision entry point. All components are
// constructor-injected so each primitive can be substituted independently;
// nil components get sane defaults.
type Engine struct {
	goals       *GoalManager
	constraints *ConstraintHandler
	risk        *RiskAssessor
	planner     *AdaptivePlanner
	logger      *zap.Logger
}

// NewEngine assembles an engine from injected primitives.
func NewEngine(goals *GoalManager, constraints *ConstraintHandler, risk *RiskAssessor, planner *AdaptivePlanner, logger *zap.Logger) *Engine {
	if goals == nil {
		goals = NewGoalManager(nil)
	}
	if constraints == nil {
		constraints = NewConstraintHandler()
	}
	if risk == nil {
		risk = NewRiskAssessor(nil)
	}
	if planner == nil {
		planner = NewAdaptivePlanner(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		goals:       goals,
		constraints: constraints,
		risk:        risk,
		planner:     planner,
		logger:      logger,
	}
}

// Goals exposes the engine's goal manager for feedback updates.
func (e *Engine) Goals() *GoalManager { return e.goals }

// MakeDecision runs the full pipeline: relevant goals, constraint
// filtering, risk scoring, weighted ranking. It mutates nothing outside
// its own return value and may run in parallel across cases.
func (e *Engine) MakeDecision(ctx context.Context, dc DecisionContext) (*Decision, error) {
	if len(dc.Candidates) == 0 {
		return nil, &NoViableActionError{ActionType: dc.ActionType}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var reasoning []string

	// 1. Active goals relevant to this action's impact metrics.
	goals := e.relevantGoals(dc)
	reasoning = append(reasoning, fmt.Sprintf(
		"goals: %d active goal(s) relevant to %q", len(goals), dc.ActionType))

	// 2. Constraint validation; violators are discarded, not down-ranked.
	var survivors []Step
	var allViolations []Violation
	for _, step := range dc.Candidates {
		v := e.constraints.Validate(step, dc.Constraints, dc.Usage)
		if len(v) > 0 {
			allViolations = append(allViolations, v...)
			continue
		}
		survivors = append(survivors, step)
	}
	reasoning = append(reasoning, fmt.Sprintf(
		"constraints: %d of %d candidate(s) survived %d constraint(s)",
		len(survivors), len(dc.Candidates), len(dc.Constraints)))

	if len(survivors) == 0 {
		return nil, &NoViableActionError{
			ActionType: dc.ActionType,
			Candidates: len(dc.Candidates),
			Violations: allViolations,
		}
	}

	// 3. Risk assessment per survivor.
	scored := make([]Scored, len(survivors))
	for i, step := range survivors {
		scored[i] = Scored{
			Step:      step,
			Alignment: alignment(step, goals),
			Risk:      e.risk.Assess(step),
		}
	}
	reasoning = append(reasoning, fmt.Sprintf(
		"risk: assessed %d candidate(s) from historical rates", len(scored)))

	// 4. Weighted ranking.
	ranked := e.planner.Select(scored)
	top := ranked[0]
	reasoning = append(reasoning, fmt.Sprintf(
		"ranking: chose %q (score %.3f, alignment %.3f, composite risk %.3f)",
		top.Step.ID, top.Score, top.Alignment, top.Risk.Composite))

	alternatives := make([]Step, 0, len(ranked)-1)
	for _, s := range ranked[1:] {
		alternatives = append(alternatives, s.Step)
	}

	d := &Decision{
		ActionType:   dc.ActionType,
		ChosenStep:   top.Step,
		Confidence:   clamp01(top.Score),
		Reasoning:    reasoning,
		Alternatives: alternatives,
	}
	e.logger.Debug("decision made",
		zap.String("action_type", dc.ActionType),
		zap.String("chosen", top.Step.ID),
		zap.Float64("confidence", d.Confidence))
	return d, nil
}

// Rank exposes the scored ranking for callers that need the full score
// spread, not just the winner. It applies the same constraint filter and
// weighting as MakeDecision but skips reasoning and logging.
func (e *Engine) Rank(dc DecisionContext) []Scored {
	goals := e.relevantGoals(dc)
	scored := make([]Scored, 0, len(dc.Candidates))
	for _, step := range dc.Candidates {
		if len(e.constraints.Validate(step, dc.Constraints, dc.Usage)) > 0 {
			continue
		}
		scored = append(scored, Scored{
			Step:      step,
			Alignment: alignment(step, goals),
			Risk:      e.risk.Assess(step),
		})
	}
	return e.planner.Select(scored)
}

// relevantGoals returns active goals whose target metrics intersect any
// candidate's expected impact.
func (e *Engine) relevantGoals(dc DecisionContext) []Goal {
	impacted := make(map[string]struct{})
	for _, step := range dc.Candidates {
		for m := range step.ExpectedImpact {
			impacted[m] = struct{}{}
		}
	}

	var out []Goal
	for _, g := range e.goals.Active() {
		for m := range g.TargetMetrics {
			if _, ok := impacted[m]; ok {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

// alignment scores how well a step serves the relevant goals: per goal,
// priority-weighted coverage of the goal's target metrics. With no goals
// in play every candidate gets a neutral 0.5 so risk decides.
func alignment(step Step, goals []Goal) float64 {
	if len(goals) == 0 {
		return 0.5
	}

	var weighted, totalWeight float64
	for _, g := range goals {
		weight := float64(g.Priority) / 10
		if weight == 0 {
			weight = 0.05
		}
		// Metrics are summed in sorted order so float rounding cannot
		// make two identical goals score differently across runs.
		metrics := make([]string, 0, len(g.TargetMetrics))
		for metric := range g.TargetMetrics {
			metrics = append(metrics, metric)
		}
		sort.Strings(metrics)

		var coverage float64
		for _, metric := range metrics {
			target := g.TargetMetrics[metric]
			impact, ok := step.ExpectedImpact[metric]
			if !ok || target <= 0 {
				continue
			}
			ratio := impact / target
			if ratio > 1 {
				ratio = 1
			}
			coverage += ratio
		}
		coverage /= float64(len(g.TargetMetrics))
		weighted += weight * coverage
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0.5
	}
	return clamp01(weighted / totalWeight)
}
