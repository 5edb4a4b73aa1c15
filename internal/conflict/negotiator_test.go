package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/quillworks/peerflow/internal/coordination"
	"github.com/quillworks/peerflow/internal/decision"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func proposal(caseID, reviewer string, urgency coordination.Urgency, score float64) Proposal {
	return Proposal{
		CaseID:  caseID,
		Urgency: urgency,
		Step:    decision.Step{ID: reviewer, ActionType: "assign-reviewer", Target: reviewer},
		Score:   score,
	}
}

func TestDetectGroupsByContestedResource(t *testing.T) {
	conflicts := Detect([]Proposal{
		proposal("M-1", "rev-a", coordination.UrgencyNormal, 0.7),
		proposal("M-2", "rev-a", coordination.UrgencyNormal, 0.6),
		proposal("M-3", "rev-b", coordination.UrgencyNormal, 0.5),
	}, now)

	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1 (rev-b is uncontested)", len(conflicts))
	}
	cc := conflicts[0]
	if cc.Resource != "rev-a" || cc.Type != TypeResource {
		t.Errorf("conflict = %+v", cc)
	}
	if len(cc.Participants) != 2 {
		t.Errorf("participants = %v", cc.Participants)
	}
}

func TestDetectIgnoresSameCaseDuplicates(t *testing.T) {
	conflicts := Detect([]Proposal{
		proposal("M-1", "rev-a", coordination.UrgencyNormal, 0.7),
		proposal("M-1", "rev-a", coordination.UrgencyNormal, 0.7),
	}, now)
	if len(conflicts) != 0 {
		t.Fatalf("one case bidding twice is not a conflict: %+v", conflicts)
	}
}

func TestShortcutCriticalUrgencyWins(t *testing.T) {
	n := NewNegotiator(0.05, nil)
	cc := &Case{ID: "c1", Resource: "rev-a", Proposals: []Proposal{
		proposal("M-1", "rev-a", coordination.UrgencyNormal, 0.9),
		proposal("M-2", "rev-a", coordination.UrgencyCritical, 0.2),
	}}

	out, err := n.Resolve(cc)
	if err != nil {
		t.Fatal(err)
	}
	if out.Strategy != StrategyShortcut || out.WinnerCaseID != "M-2" {
		t.Errorf("outcome = %+v, want shortcut win for critical M-2", out)
	}
	if len(out.Losers) != 1 || out.Losers[0].CaseID != "M-1" {
		t.Errorf("loser not recorded: %+v", out.Losers)
	}
}

func TestNegotiationPicksBestScore(t *testing.T) {
	n := NewNegotiator(0.05, nil)
	cc := &Case{ID: "c1", Resource: "rev-a", Proposals: []Proposal{
		proposal("M-1", "rev-a", coordination.UrgencyNormal, 0.4),
		proposal("M-2", "rev-a", coordination.UrgencyNormal, 0.8),
	}}

	out, err := n.Resolve(cc)
	if err != nil {
		t.Fatal(err)
	}
	if out.Strategy != StrategyNegotiation || out.WinnerCaseID != "M-2" {
		t.Errorf("outcome = %+v", out)
	}
	if cc.Resolution == nil {
		t.Error("resolution not attached to conflict case")
	}
}

func TestNearTieEscalatesInsteadOfFlipFlopping(t *testing.T) {
	n := NewNegotiator(0.05, nil)
	cc := &Case{ID: "c1", Resource: "rev-a", Proposals: []Proposal{
		proposal("M-1", "rev-a", coordination.UrgencyNormal, 0.700),
		proposal("M-2", "rev-a", coordination.UrgencyNormal, 0.699),
	}}

	out, err := n.Resolve(cc)
	var ue *UnresolvedError
	if !errors.As(err, &ue) {
		t.Fatalf("want UnresolvedError, got %v", err)
	}
	if out.Strategy != StrategyEscalation || out.WinnerCaseID != "" {
		t.Errorf("outcome = %+v", out)
	}
	// Every proposal travels with the escalation for the human to see.
	if len(out.Losers) != 2 {
		t.Errorf("escalation dropped proposals: %+v", out.Losers)
	}
}

func TestDeterministicTieBreakAcrossEqualUrgency(t *testing.T) {
	n := NewNegotiator(0.05, nil)
	// Both critical: shortcut cannot apply, negotiation decides.
	cc := &Case{ID: "c1", Resource: "rev-a", Proposals: []Proposal{
		proposal("M-2", "rev-a", coordination.UrgencyCritical, 0.5),
		proposal("M-1", "rev-a", coordination.UrgencyCritical, 0.9),
	}}
	out, err := n.Resolve(cc)
	if err != nil {
		t.Fatal(err)
	}
	if out.WinnerCaseID != "M-1" {
		t.Errorf("winner = %s, want M-1", out.WinnerCaseID)
	}
}
