package decision

import (
	"fmt"

	"github.com/quillworks/peerflow/internal/capability"
)

// RiskAssessment is an ephemeral per-decision value object. The composite
// score is a ranking signal only; gating is the planner's job.
type RiskAssessment struct {
	ActionRef   string   `json:"action_ref"`
	Probability float64  `json:"probability"` // 0..1
	Impact      float64  `json:"impact"`      // 0..1
	Composite   float64  `json:"composite_score"`
	Mitigations []string `json:"mitigations"`
}

// Advisory thresholds above which a mitigation note is attached.
const (
	highProbability = 0.5
	highImpact      = 0.7
)

// RiskAssessor estimates risk from injected historical rates.
type RiskAssessor struct {
	rates capability.RateSource
}

// NewRiskAssessor creates an assessor over a historical rate source.
func NewRiskAssessor(rates capability.RateSource) *RiskAssessor {
	if rates == nil {
		rates = &capability.StaticRates{Default: [2]float64{0.1, 0.3}}
	}
	return &RiskAssessor{rates: rates}
}

// Assess produces a fresh assessment for one candidate step.
func (a *RiskAssessor) Assess(step Step) RiskAssessment {
	p, i := a.rates.Rates(step.ActionType, step.Target)
	p = clamp01(p)
	i = clamp01(i)

	ra := RiskAssessment{
		ActionRef:   step.ID,
		Probability: p,
		Impact:      i,
		Composite:   p * i,
	}
	if p >= highProbability {
		ra.Mitigations = append(ra.Mitigations,
			fmt.Sprintf("failure probability %.2f: stage the action behind a confirmation step", p))
	}
	if i >= highImpact {
		ra.Mitigations = append(ra.Mitigations,
			fmt.Sprintf("impact %.2f: prepare a rollback path before firing", i))
	}
	return ra
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
