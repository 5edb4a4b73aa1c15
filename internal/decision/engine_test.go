package decision

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/quillworks/peerflow/internal/capability"
)

func newTestEngine(t *testing.T, rates capability.RateSource) *Engine {
	t.Helper()
	return NewEngine(
		NewGoalManager(nil),
		NewConstraintHandler(),
		NewRiskAssessor(rates),
		NewAdaptivePlanner(0.6, 0.4),
		nil,
	)
}

func TestRiskAssessComposite(t *testing.T) {
	a := NewRiskAssessor(&capability.StaticRates{
		ByAction: map[string][2]float64{"assign": {0.6, 0.8}},
		Default:  [2]float64{0.1, 0.1},
	})

	ra := a.Assess(Step{ID: "s", ActionType: "assign"})
	if ra.Composite != 0.6*0.8 {
		t.Errorf("composite = %v, want %v", ra.Composite, 0.6*0.8)
	}
	if len(ra.Mitigations) != 2 {
		t.Errorf("want mitigations for high probability and impact, got %v", ra.Mitigations)
	}

	low := a.Assess(Step{ID: "s2", ActionType: "other"})
	if len(low.Mitigations) != 0 {
		t.Errorf("low risk should carry no mitigations: %v", low.Mitigations)
	}
}

func TestSelectTieBreaksByDurationThenID(t *testing.T) {
	p := NewAdaptivePlanner(0.6, 0.4)
	same := RiskAssessment{Composite: 0.2}
	ranked := p.Select([]Scored{
		{Step: Step{ID: "b", EstimatedDuration: time.Hour}, Alignment: 0.5, Risk: same},
		{Step: Step{ID: "c", EstimatedDuration: time.Minute}, Alignment: 0.5, Risk: same},
		{Step: Step{ID: "a", EstimatedDuration: time.Minute}, Alignment: 0.5, Risk: same},
	})
	got := []string{ranked[0].Step.ID, ranked[1].Step.ID, ranked[2].Step.ID}
	want := []string{"a", "c", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestPlanReviseBumpsVersion(t *testing.T) {
	p := NewAdaptivePlanner(0.6, 0.4)
	plan := p.Build([]Step{{ID: "a"}}, []Goal{{ID: "g"}}, []Constraint{{ID: "c"}})
	if plan.Version != 1 {
		t.Fatalf("version = %d, want 1", plan.Version)
	}
	p.Revise(plan, []Step{{ID: "b"}})
	if plan.Version != 2 || plan.Steps[0].ID != "b" {
		t.Errorf("revised plan = %+v", plan)
	}
	if _, ok := plan.GoalRefs["g"]; !ok {
		t.Error("goal ref lost on revise")
	}
}

func TestMakeDecisionDeterministic(t *testing.T) {
	e := newTestEngine(t, &capability.StaticRates{
		ByAction: map[string][2]float64{"assign-reviewer": {0.2, 0.5}},
	})
	if _, err := e.Goals().CreateGoal("fast turnaround", map[string]float64{"turnaround": 1}, 8); err != nil {
		t.Fatal(err)
	}

	dc := DecisionContext{
		ActionType: "assign-reviewer",
		Candidates: []Step{
			{ID: "rev-1", ActionType: "assign-reviewer", Target: "rev-1",
				ExpectedImpact: map[string]float64{"turnaround": 0.9}, EstimatedDuration: time.Hour},
			{ID: "rev-2", ActionType: "assign-reviewer", Target: "rev-2",
				ExpectedImpact: map[string]float64{"turnaround": 0.4}, EstimatedDuration: time.Hour},
		},
	}

	first, err := e.MakeDecision(context.Background(), dc)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		d, err := e.MakeDecision(context.Background(), dc)
		if err != nil {
			t.Fatal(err)
		}
		if d.ChosenStep.ID != first.ChosenStep.ID {
			t.Fatalf("run %d chose %s, first chose %s", i, d.ChosenStep.ID, first.ChosenStep.ID)
		}
	}

	if first.ChosenStep.ID != "rev-1" {
		t.Errorf("chose %s, want rev-1 (higher goal alignment)", first.ChosenStep.ID)
	}
	if len(first.Alternatives) != 1 || first.Alternatives[0].ID != "rev-2" {
		t.Errorf("alternatives = %+v", first.Alternatives)
	}
	if len(first.Reasoning) != 4 {
		t.Errorf("reasoning should trace all four pipeline steps: %v", first.Reasoning)
	}
}

func TestMakeDecisionNoViableAction(t *testing.T) {
	e := newTestEngine(t, nil)
	dc := DecisionContext{
		ActionType: "assign-reviewer",
		Candidates: []Step{
			{ID: "s1", ResourceCost: map[string]float64{"slots": 3}},
		},
		Constraints: []Constraint{
			{ID: "cap", Kind: ConstraintResource, Metric: "slots", Bound: 2, Comparator: AtMost},
		},
		Usage: map[string]float64{"slots": 0},
	}

	_, err := e.MakeDecision(context.Background(), dc)
	var nve *NoViableActionError
	if !errors.As(err, &nve) {
		t.Fatalf("want NoViableActionError, got %v", err)
	}
	if nve.Candidates != 1 || len(nve.Violations) != 1 {
		t.Errorf("error detail = %+v", nve)
	}
}

func TestMakeDecisionEmptyCandidates(t *testing.T) {
	e := newTestEngine(t, nil)
	var nve *NoViableActionError
	if _, err := e.MakeDecision(context.Background(), DecisionContext{ActionType: "noop"}); !errors.As(err, &nve) {
		t.Fatalf("want NoViableActionError, got %v", err)
	}
}

func TestRankMatchesMakeDecisionAndMargin(t *testing.T) {
	e := newTestEngine(t, &capability.StaticRates{
		ByAction: map[string][2]float64{"assign-reviewer": {0.2, 0.5}},
	})
	if _, err := e.Goals().CreateGoal("fast turnaround", map[string]float64{"turnaround": 1}, 8); err != nil {
		t.Fatal(err)
	}

	dc := DecisionContext{
		ActionType: "assign-reviewer",
		Candidates: []Step{
			{ID: "rev-1", ActionType: "assign-reviewer", Target: "rev-1",
				ExpectedImpact: map[string]float64{"turnaround": 0.9}, EstimatedDuration: time.Hour},
			{ID: "rev-2", ActionType: "assign-reviewer", Target: "rev-2",
				ExpectedImpact: map[string]float64{"turnaround": 0.4}, EstimatedDuration: time.Hour},
			{ID: "rev-3", ActionType: "assign-reviewer", Target: "rev-3", EstimatedDuration: time.Hour,
				ResourceCost: map[string]float64{"slots": 3}},
		},
		Constraints: []Constraint{
			{ID: "cap", Kind: ConstraintResource, Metric: "slots", Bound: 2, Comparator: AtMost},
		},
		Usage: map[string]float64{"slots": 0},
	}

	ranked := e.Rank(dc)
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d entries, want 2 (constraint violator discarded)", len(ranked))
	}
	if ranked[0].Step.ID != "rev-1" || ranked[1].Step.ID != "rev-2" {
		t.Errorf("order = %s, %s; want rev-1, rev-2", ranked[0].Step.ID, ranked[1].Step.ID)
	}

	d, err := e.MakeDecision(context.Background(), dc)
	if err != nil {
		t.Fatal(err)
	}
	if d.ChosenStep.ID != ranked[0].Step.ID {
		t.Errorf("MakeDecision chose %s, Rank leads with %s", d.ChosenStep.ID, ranked[0].Step.ID)
	}

	margin := d.Margin(ranked)
	want := ranked[0].Score - ranked[1].Score
	if margin != want {
		t.Errorf("margin = %v, want %v", margin, want)
	}
	if margin <= 0 {
		t.Errorf("margin = %v, want positive for distinct scores", margin)
	}
	if got := d.Margin(ranked[:1]); got != 1 {
		t.Errorf("single-candidate margin = %v, want 1", got)
	}
}

func TestAlignmentStableAcrossMetricOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	if _, err := e.Goals().CreateGoal("balanced review", map[string]float64{
		"turnaround": 0.7, "reviewer_fit": 0.3, "consensus": 0.9, "coverage": 0.1,
	}, 6); err != nil {
		t.Fatal(err)
	}

	dc := DecisionContext{
		ActionType: "assign-reviewer",
		Candidates: []Step{
			{ID: "s1", ActionType: "assign-reviewer", ExpectedImpact: map[string]float64{
				"turnaround": 0.33, "reviewer_fit": 0.17, "consensus": 0.52, "coverage": 0.07,
			}},
		},
	}

	first := e.Rank(dc)[0].Alignment
	for i := 0; i < 20; i++ {
		if got := e.Rank(dc)[0].Alignment; got != first {
			t.Fatalf("run %d alignment = %v, first = %v", i, got, first)
		}
	}
}
