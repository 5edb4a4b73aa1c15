// Package conflict detects and resolves contention between
// concurrently-acting coordination cases: two cases wanting the same
// reviewer, clashing priorities, or contradictory decisions. Resolution
// tries a rule shortcut first, then scored negotiation, then escalation
// to a human. Conflict cases live for one coordination cycle only.
package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quillworks/peerflow/internal/coordination"
	"github.com/quillworks/peerflow/internal/decision"
	"go.uber.org/zap"
)

// Type categorizes what is being contested.
type Type string

const (
	TypeResource Type = "resource"
	TypePriority Type = "priority"
	TypeData     Type = "data"
	TypeDecision Type = "decision"
)

// Strategy records how a conflict was settled.
type Strategy string

const (
	StrategyShortcut    Strategy = "rule_shortcut"
	StrategyNegotiation Strategy = "negotiation"
	StrategyEscalation  Strategy = "escalation"
)

// Proposal is one participant's bid for the contested resource, a mini
// decision scoped to that resource.
type Proposal struct {
	CaseID    string               `json:"case_id"`
	Urgency   coordination.Urgency `json:"urgency"`
	Step      decision.Step        `json:"step"`
	Score     float64              `json:"score"`
	Reasoning []string             `json:"reasoning,omitempty"`
}

// Case is a detected conflict. It is resolved or escalated within the
// same tick that detected it and never persists across stages.
type Case struct {
	ID           string     `json:"id"`
	Type         Type       `json:"conflict_type"`
	Resource     string     `json:"resource"`
	Participants []string   `json:"participants"`
	Proposals    []Proposal `json:"proposals"`
	Resolution   *Outcome   `json:"resolution,omitempty"`
	DetectedAt   time.Time  `json:"detected_at"`
}

// Outcome is how a conflict ended. Losing proposals are carried along so
// they land in the conflict log, never silently dropped.
type Outcome struct {
	WinnerCaseID string     `json:"winner_case_id"`
	Strategy     Strategy   `json:"strategy"`
	Reason       string     `json:"reason"`
	Losers       []Proposal `json:"losers"`
}

// UnresolvedError means negotiation produced no acceptable winner and the
// conflict must go to a human.
type UnresolvedError struct {
	ConflictID string
	Resource   string
	Reason     string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("conflict %s over %q unresolved: %s", e.ConflictID, e.Resource, e.Reason)
}

// Detect groups pending proposals by contested resource. A resource bid
// for by two or more distinct cases within one tick is a conflict.
func Detect(proposals []Proposal, now time.Time) []*Case {
	byResource := make(map[string][]Proposal)
	for _, p := range proposals {
		byResource[p.Step.Target] = append(byResource[p.Step.Target], p)
	}

	resources := make([]string, 0, len(byResource))
	for r := range byResource {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	var conflicts []*Case
	for _, r := range resources {
		group := byResource[r]
		cases := make(map[string]struct{})
		for _, p := range group {
			cases[p.CaseID] = struct{}{}
		}
		if len(cases) < 2 {
			continue
		}
		participants := make([]string, 0, len(cases))
		for id := range cases {
			participants = append(participants, id)
		}
		sort.Strings(participants)
		conflicts = append(conflicts, &Case{
			ID:           uuid.New().String(),
			Type:         TypeResource,
			Resource:     r,
			Participants: participants,
			Proposals:    group,
			DetectedAt:   now,
		})
	}
	return conflicts
}

// Negotiator settles conflict cases.
type Negotiator struct {
	nearTie float64
	logger  *zap.Logger
}

// NewNegotiator creates a negotiator. nearTie is the minimum winning
// margin below which negotiation escalates rather than auto-resolving.
func NewNegotiator(nearTie float64, logger *zap.Logger) *Negotiator {
	if nearTie <= 0 {
		nearTie = 0.05
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Negotiator{nearTie: nearTie, logger: logger}
}

// Resolve settles one conflict, attaching the outcome to the case. When
// neither the shortcut nor negotiation produces a clear winner it returns
// *UnresolvedError with an escalation outcome attached, and participants
// stay in their last stable stage until a human rules.
func (n *Negotiator) Resolve(cc *Case) (*Outcome, error) {
	if len(cc.Proposals) == 0 {
		return nil, fmt.Errorf("conflict %s has no proposals", cc.ID)
	}

	// 1. Rule shortcut: a strictly more urgent participant wins outright.
	if out := n.urgencyShortcut(cc); out != nil {
		cc.Resolution = out
		n.logger.Info("conflict resolved by shortcut",
			zap.String("conflict", cc.ID),
			zap.String("resource", cc.Resource),
			zap.String("winner", out.WinnerCaseID))
		return out, nil
	}

	// 2. Negotiation: best weighted score wins unless the margin is a
	// near-tie, which would just flip-flop across ticks.
	ranked := make([]Proposal, len(cc.Proposals))
	copy(ranked, cc.Proposals)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].CaseID < ranked[j].CaseID
	})

	margin := 1.0
	if len(ranked) > 1 {
		margin = ranked[0].Score - ranked[1].Score
	}
	if margin >= n.nearTie {
		out := &Outcome{
			WinnerCaseID: ranked[0].CaseID,
			Strategy:     StrategyNegotiation,
			Reason:       fmt.Sprintf("score %.3f beat runner-up by %.3f", ranked[0].Score, margin),
			Losers:       ranked[1:],
		}
		cc.Resolution = out
		n.logger.Info("conflict resolved by negotiation",
			zap.String("conflict", cc.ID),
			zap.String("winner", out.WinnerCaseID),
			zap.Float64("margin", margin))
		return out, nil
	}

	// 3. Escalation: package everything for a human.
	out := &Outcome{
		Strategy: StrategyEscalation,
		Reason:   fmt.Sprintf("winning margin %.3f below near-tie threshold %.3f", margin, n.nearTie),
		Losers:   ranked,
	}
	cc.Resolution = out
	n.logger.Warn("conflict escalated",
		zap.String("conflict", cc.ID),
		zap.String("resource", cc.Resource),
		zap.Float64("margin", margin))
	return out, &UnresolvedError{ConflictID: cc.ID, Resource: cc.Resource, Reason: out.Reason}
}

// urgencyShortcut returns an outcome when exactly one participant has the
// strictly highest urgency.
func (n *Negotiator) urgencyShortcut(cc *Case) *Outcome {
	rank := map[coordination.Urgency]int{
		coordination.UrgencyNormal:   0,
		coordination.UrgencyHigh:     1,
		coordination.UrgencyCritical: 2,
	}

	best, count := -1, 0
	var winner Proposal
	for _, p := range cc.Proposals {
		r := rank[p.Urgency]
		switch {
		case r > best:
			best, count, winner = r, 1, p
		case r == best:
			count++
		}
	}
	if count != 1 || best == 0 {
		return nil
	}

	var losers []Proposal
	for _, p := range cc.Proposals {
		if p.CaseID != winner.CaseID {
			losers = append(losers, p)
		}
	}
	return &Outcome{
		WinnerCaseID: winner.CaseID,
		Strategy:     StrategyShortcut,
		Reason:       fmt.Sprintf("case %s has strictly higher urgency (%s)", winner.CaseID, winner.Urgency),
		Losers:       losers,
	}
}
