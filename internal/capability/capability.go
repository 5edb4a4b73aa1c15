// Package capability defines the injected scoring providers the engine
// depends on. The actual matching/assessment algorithms live outside this
// service; everything here is a synchronous pure-function boundary plus
// static in-memory implementations for development and tests.
package capability

import "sort"

// ReviewerMatcher scores how well a reviewer fits a manuscript.
type ReviewerMatcher interface {
	// Score returns a fit score in [0,1] for the reviewer/manuscript pair.
	Score(reviewerID, manuscriptID string) float64
	// Candidates lists reviewer IDs worth scoring for a manuscript.
	Candidates(manuscriptID string) []string
}

// QualityScorer computes a consensus quality score from submitted reviews.
type QualityScorer interface {
	// Consensus returns a score in [0,1] from individual review scores.
	Consensus(scores []float64) float64
}

// RateSource supplies historical failure rates used for risk assessment.
type RateSource interface {
	// Rates returns (probability, impact), each in [0,1], for an action.
	Rates(actionType, target string) (float64, float64)
}

// StaticMatcher is a fixed-table ReviewerMatcher.
type StaticMatcher struct {
	// Scores maps reviewerID -> fit score, applied to every manuscript.
	Scores map[string]float64
}

func (m *StaticMatcher) Score(reviewerID, manuscriptID string) float64 {
	return m.Scores[reviewerID]
}

func (m *StaticMatcher) Candidates(manuscriptID string) []string {
	ids := make([]string, 0, len(m.Scores))
	for id := range m.Scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MeanScorer averages review scores.
type MeanScorer struct{}

func (MeanScorer) Consensus(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// StaticRates returns fixed rates per action type, falling back to a
// conservative default for unknown actions.
type StaticRates struct {
	ByAction map[string][2]float64 // actionType -> {probability, impact}
	Default  [2]float64
}

func (r *StaticRates) Rates(actionType, target string) (float64, float64) {
	if v, ok := r.ByAction[actionType]; ok {
		return v[0], v[1]
	}
	return r.Default[0], r.Default[1]
}
