// Package automation evaluates a declarative rule table against every
// active coordination case on a periodic tick. Rules are data (trigger
// predicate, effect, priority) interpreted by one generic engine, so new
// rules are added and tested without touching engine internals.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quillworks/peerflow/internal/capability"
	"github.com/quillworks/peerflow/internal/conflict"
	"github.com/quillworks/peerflow/internal/coordination"
	"github.com/quillworks/peerflow/internal/decision"
	"go.uber.org/zap"
)

// Category buckets rules; at most one rule per category fires per case
// per tick.
type Category string

const (
	CategoryReminder   Category = "reminder"
	CategoryEscalation Category = "escalation"
	CategoryQuality    Category = "quality"
	CategoryPriority   Category = "priority"
)

// Thresholds parameterize rule triggers. Values come from configuration;
// nothing here is hardcoded law.
type Thresholds struct {
	RemindAfter               time.Duration
	ReviewDue                 time.Duration
	EscalateAfter             time.Duration
	RemindersBeforeEscalation int
	ReviewMaxAge              time.Duration
}

// Env gives rule effects access to their collaborators. Decision calls
// are pure and in-process; anything that leaves the process goes through
// the returned actions, published outside the case lock.
type Env struct {
	Decider *decision.Engine
	Matcher capability.ReviewerMatcher
	Scorer  capability.QualityScorer
	Guards  coordination.GuardConfig
	Logger  *zap.Logger
}

// Outcome is what one rule firing produced: immediate sink actions plus
// reviewer-assignment proposals, which are held back for conflict
// detection across the whole tick before publishing.
type Outcome struct {
	Actions   []coordination.Action
	Proposals []conflict.Proposal
}

// Rule is one declarative automation record.
type Rule struct {
	ID       string
	Category Category
	Priority int // 0..10, higher evaluates first
	When     func(c *coordination.Case, now time.Time, th Thresholds) bool
	Fire     func(ctx context.Context, env *Env, c *coordination.Case, now time.Time, th Thresholds) (Outcome, error)
}

// sortRules orders by priority descending, ID ascending, for
// deterministic evaluation.
func sortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DefaultRules returns the shipped rule set.
func DefaultRules() []Rule {
	return []Rule{
		reviewerReminderRule(),
		overdueEscalationRule(),
		qualityAdvanceRule(),
		urgencyBoostRule(),
	}
}

// dueForReminder lists assigned reviewers who have not submitted, whose
// assignment is older than the reminder window, and who were not already
// reminded within that window. Sorted for determinism.
func dueForReminder(c *coordination.Case, now time.Time, th Thresholds) []string {
	var due []string
	for _, id := range c.PendingReviewers() {
		a := c.Reviewers[id]
		if now.Sub(a.AssignedAt) < th.RemindAfter {
			continue
		}
		if a.LastRemindedAt != nil && now.Sub(*a.LastRemindedAt) < th.RemindAfter {
			continue
		}
		due = append(due, id)
	}
	sort.Strings(due)
	return due
}

func reviewerReminderRule() Rule {
	return Rule{
		ID:       "reviewer-reminder",
		Category: CategoryReminder,
		Priority: 5,
		When: func(c *coordination.Case, now time.Time, th Thresholds) bool {
			return len(dueForReminder(c, now, th)) > 0
		},
		Fire: func(ctx context.Context, env *Env, c *coordination.Case, now time.Time, th Thresholds) (Outcome, error) {
			var out Outcome
			for _, id := range dueForReminder(c, now, th) {
				a := c.Reviewers[id]
				t := now
				a.LastRemindedAt = &t
				c.ReminderCount++
				out.Actions = append(out.Actions, coordination.Action{
					Type:   coordination.ActionSendNotification,
					Target: id,
					Payload: map[string]string{
						"kind":          "review-reminder",
						"manuscript_id": c.ManuscriptID,
						"days_assigned": fmt.Sprintf("%d", int(now.Sub(a.AssignedAt).Hours()/24)),
					},
				})
			}
			c.UpdatedAt = now
			return out, nil
		},
	}
}

// overdue returns how far past the review due date the oldest pending
// assignment is; zero when nothing is overdue.
func overdue(c *coordination.Case, now time.Time, th Thresholds) time.Duration {
	var worst time.Duration
	for _, id := range c.PendingReviewers() {
		a := c.Reviewers[id]
		if d := now.Sub(a.AssignedAt.Add(th.ReviewDue)); d > worst {
			worst = d
		}
	}
	return worst
}

func overdueEscalationRule() Rule {
	return Rule{
		ID:       "overdue-escalation",
		Category: CategoryEscalation,
		Priority: 8,
		When: func(c *coordination.Case, now time.Time, th Thresholds) bool {
			return c.EscalationCount == 0 &&
				c.ReminderCount >= th.RemindersBeforeEscalation &&
				overdue(c, now, th) >= th.EscalateAfter
		},
		Fire: func(ctx context.Context, env *Env, c *coordination.Case, now time.Time, th Thresholds) (Outcome, error) {
			c.EscalationCount++
			c.UpdatedAt = now
			days := int(overdue(c, now, th).Hours() / 24)
			out := Outcome{Actions: []coordination.Action{{
				Type:   coordination.ActionEscalateToEditor,
				Target: c.ManuscriptID,
				Payload: map[string]string{
					"reason":         "review overdue",
					"days_overdue":   fmt.Sprintf("%d", days),
					"reminder_count": fmt.Sprintf("%d", c.ReminderCount),
				},
			}}}

			// Replacement-reviewer search runs through the decision engine;
			// the chosen candidate becomes a proposal so simultaneous
			// requests for one reviewer go through conflict resolution.
			p, err := proposeReviewer(ctx, env, c)
			if err != nil {
				var nve *decision.NoViableActionError
				if errors.As(err, &nve) {
					// No replacement available; the escalation already
					// puts a human on it.
					env.Logger.Warn("no replacement reviewer available",
						zap.String("manuscript", c.ManuscriptID))
					return out, nil
				}
				return out, fmt.Errorf("replacement search for %s: %w", c.ManuscriptID, err)
			}
			out.Proposals = append(out.Proposals, p)
			return out, nil
		},
	}
}

func qualityAdvanceRule() Rule {
	return Rule{
		ID:       "quality-advance",
		Category: CategoryQuality,
		Priority: 7,
		When: func(c *coordination.Case, now time.Time, th Thresholds) bool {
			return c.Stage == coordination.StageReviewSubmitted &&
				c.ReviewsComplete(now, th.ReviewMaxAge)
		},
		Fire: func(ctx context.Context, env *Env, c *coordination.Case, now time.Time, th Thresholds) (Outcome, error) {
			ids := make([]string, 0, len(c.Reviews))
			for id := range c.Reviews {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			scores := make([]float64, 0, len(ids))
			for _, id := range ids {
				scores = append(scores, c.Reviews[id].Score)
			}
			c.QualityMetrics["consensus"] = env.Scorer.Consensus(scores)

			prev := c.Stage
			changed, err := c.Apply(coordination.Event{
				Type:         coordination.EventQualityCheckStarted,
				ManuscriptID: c.ManuscriptID,
			}, now, env.Guards)
			if err != nil {
				return Outcome{}, err
			}
			if !changed {
				// A concurrent event already advanced the case.
				return Outcome{}, nil
			}
			return Outcome{Actions: []coordination.Action{{
				Type:   coordination.ActionUpdateExternalStatus,
				Target: c.ManuscriptID,
				Payload: map[string]string{
					"stage":     string(c.Stage),
					"previous":  string(prev),
					"consensus": fmt.Sprintf("%.3f", c.QualityMetrics["consensus"]),
				},
			}}}, nil
		},
	}
}

func urgencyBoostRule() Rule {
	return Rule{
		ID:       "urgency-boost",
		Category: CategoryPriority,
		Priority: 9,
		When: func(c *coordination.Case, now time.Time, th Thresholds) bool {
			// Applied at assignment time only.
			return c.Urgency == coordination.UrgencyCritical &&
				c.Stage == coordination.StageReviewerAssignment &&
				len(c.Reviewers) == 0
		},
		Fire: func(ctx context.Context, env *Env, c *coordination.Case, now time.Time, th Thresholds) (Outcome, error) {
			p, err := proposeReviewer(ctx, env, c)
			if err != nil {
				return Outcome{}, fmt.Errorf("urgent assignment for %s: %w", c.ManuscriptID, err)
			}
			return Outcome{Proposals: []conflict.Proposal{p}}, nil
		},
	}
}

// proposeReviewer asks the decision engine for the best unassigned
// candidate and wraps the choice as a conflict proposal.
func proposeReviewer(ctx context.Context, env *Env, c *coordination.Case) (conflict.Proposal, error) {
	var steps []decision.Step
	for _, id := range env.Matcher.Candidates(c.ManuscriptID) {
		if _, assigned := c.Reviewers[id]; assigned {
			continue
		}
		steps = append(steps, decision.Step{
			ID:                id,
			ActionType:        coordination.ActionAssignReviewer,
			Target:            id,
			EstimatedDuration: 24 * time.Hour,
			ExpectedImpact: map[string]float64{
				"reviewer_fit": env.Matcher.Score(id, c.ManuscriptID),
			},
			ResourceCost: map[string]float64{"review_slots": 1},
		})
	}

	dc := decision.DecisionContext{
		ActionType: coordination.ActionAssignReviewer,
		Candidates: steps,
	}
	d, err := env.Decider.MakeDecision(ctx, dc)
	if err != nil {
		return conflict.Proposal{}, err
	}

	// The margin over the runner-up lands in the proposal reasoning, and
	// from there in the conflict log, so a contested assignment shows how
	// decisive the per-case choice was.
	margin := d.Margin(env.Decider.Rank(dc))
	reasoning := append(d.Reasoning, fmt.Sprintf(
		"margin: %.3f over the runner-up candidate", margin))

	return conflict.Proposal{
		CaseID:    c.ManuscriptID,
		Urgency:   c.Urgency,
		Step:      d.ChosenStep,
		Score:     d.Confidence,
		Reasoning: reasoning,
	}, nil
}
