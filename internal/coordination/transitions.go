package coordination

import (
	"fmt"
	"strings"
	"time"
)

// InvalidTransitionError means an event matched no guard for the case's
// current stage. It is surfaced to the caller and recorded on the case;
// silent drops would leave a manuscript permanently stuck.
type InvalidTransitionError struct {
	ManuscriptID string
	Stage        Stage
	Event        EventType
	Reason       string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: event %q in stage %q for manuscript %s",
		e.Event, e.Stage, e.ManuscriptID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// GuardConfig parameterizes transition guards.
type GuardConfig struct {
	// ReviewMaxAge is how old a submitted review may be and still count
	// toward completeness. Zero disables the age check.
	ReviewMaxAge time.Duration
}

type transition struct {
	target Stage
	// guard returns a reason string when the transition must not fire.
	guard func(c *Case, ev Event, now time.Time, cfg GuardConfig) string
	// mutate applies event payload to the case. Runs only when the guard
	// passes, before the stage moves.
	mutate func(c *Case, ev Event, now time.Time)
}

// transitionTable is the single source of truth for lifecycle edges.
// No code path sets Stage outside an entry in this table.
var transitionTable = map[Stage]map[EventType]transition{
	StageInitiated: {
		EventReviewersSelected: {target: StageReviewerAssignment, mutate: addReviewers},
	},
	StageReviewerAssignment: {
		// Re-selection after a decline loops within the same stage.
		EventReviewersSelected: {target: StageReviewerAssignment, mutate: addReviewers},
		EventInvitationSent: {
			target: StageInvitationSent,
			guard: func(c *Case, ev Event, now time.Time, cfg GuardConfig) string {
				if len(c.Reviewers) == 0 {
					return "no reviewers assigned"
				}
				return ""
			},
			mutate: markInvited,
		},
	},
	StageInvitationSent: {
		EventInvitationAccepted: {target: StageInvitationAccepted, mutate: markAccepted},
		EventInvitationDeclined: {target: StageReviewerAssignment, mutate: removeReviewer},
	},
	StageInvitationAccepted: {
		EventReviewStarted: {target: StageReviewInProgress},
		// A reviewer may decline or be removed after accepting.
		EventInvitationDeclined: {target: StageReviewerAssignment, mutate: removeReviewer},
	},
	StageReviewInProgress: {
		EventReviewSubmitted: {target: StageReviewSubmitted, mutate: recordReview},
	},
	StageReviewSubmitted: {
		// Further reviews arrive while waiting for completeness.
		EventReviewSubmitted: {target: StageReviewSubmitted, mutate: recordReview},
		EventQualityCheckStarted: {
			target: StageQualityAssessment,
			guard: func(c *Case, ev Event, now time.Time, cfg GuardConfig) string {
				if !c.ReviewsComplete(now, cfg.ReviewMaxAge) {
					return fmt.Sprintf("reviews incomplete: %d of %d fresh",
						c.SubmittedCount(now, cfg.ReviewMaxAge), c.RequiredReviews)
				}
				return ""
			},
		},
	},
	StageQualityAssessment: {
		EventQualityAssessed: {target: StageEditorialDecision, mutate: recordConsensus},
	},
	StageEditorialDecision: {
		EventDecisionMade: {target: StageCompleted, mutate: recordDecision},
	},
}

// eventTargets caches, per event type, the stages the event can land a
// case in. Used for duplicate detection.
var eventTargets = func() map[EventType]map[Stage]struct{} {
	targets := map[EventType]map[Stage]struct{}{
		// Creation event: a live case means it was already delivered.
		EventSubmissionReceived: {StageInitiated: {}},
		EventWithdrawal:         {StageCancelled: {}},
	}
	for _, edges := range transitionTable {
		for ev, tr := range edges {
			if targets[ev] == nil {
				targets[ev] = make(map[Stage]struct{})
			}
			targets[ev][tr.target] = struct{}{}
		}
	}
	return targets
}()

// minTargetOrder is the earliest lifecycle position each event can
// produce; a case strictly past it has already absorbed the event.
var minTargetOrder = func() map[EventType]int {
	out := make(map[EventType]int, len(eventTargets))
	for ev, stages := range eventTargets {
		min := stageOrder[StageCancelled]
		for s := range stages {
			if stageOrder[s] < min {
				min = stageOrder[s]
			}
		}
		out[ev] = min
	}
	return out
}()

// Apply runs one event against the case. It returns whether the stage
// changed. Duplicate deliveries (event already absorbed) no-op with a nil
// error; events that match no edge and are not duplicates return
// *InvalidTransitionError with the case unchanged.
func (c *Case) Apply(ev Event, now time.Time, cfg GuardConfig) (bool, error) {
	// Withdrawal cancels any non-terminal stage.
	if ev.Type == EventWithdrawal {
		if c.Stage.IsTerminal() {
			if c.Stage == StageCancelled {
				return false, nil // duplicate
			}
			return false, &InvalidTransitionError{
				ManuscriptID: c.ManuscriptID, Stage: c.Stage, Event: ev.Type,
				Reason: "case already completed",
			}
		}
		c.moveTo(StageCancelled, now)
		return true, nil
	}

	if tr, ok := transitionTable[c.Stage][ev.Type]; ok {
		if tr.guard != nil {
			if reason := tr.guard(c, ev, now, cfg); reason != "" {
				return false, &InvalidTransitionError{
					ManuscriptID: c.ManuscriptID, Stage: c.Stage, Event: ev.Type, Reason: reason,
				}
			}
		}
		if tr.mutate != nil {
			tr.mutate(c, ev, now)
		}
		changed := tr.target != c.Stage
		c.moveTo(tr.target, now)
		return changed, nil
	}

	// No edge from the current stage. Re-delivery of an event the case
	// already absorbed is a no-op, not an error.
	if _, dup := eventTargets[ev.Type][c.Stage]; dup {
		return false, nil
	}
	if min, known := minTargetOrder[ev.Type]; known && stageOrder[c.Stage] > min {
		return false, nil
	}

	reason := "event arrived out of order"
	if _, known := eventTargets[ev.Type]; !known {
		reason = "unknown event type"
	}
	return false, &InvalidTransitionError{
		ManuscriptID: c.ManuscriptID, Stage: c.Stage, Event: ev.Type, Reason: reason,
	}
}

// moveTo is the only writer of Stage.
func (c *Case) moveTo(target Stage, now time.Time) {
	c.Stage = target
	c.Timeline[target] = now
	c.UpdatedAt = now
}

func addReviewers(c *Case, ev Event, now time.Time) {
	ids := strings.Split(ev.Payload["reviewer_ids"], ",")
	if single := ev.Payload["reviewer_id"]; single != "" {
		ids = append(ids, single)
	}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := c.Reviewers[id]; !ok {
			c.Reviewers[id] = &Assignment{ReviewerID: id, AssignedAt: now}
		}
	}
}

func markInvited(c *Case, ev Event, now time.Time) {
	for _, a := range c.Reviewers {
		if a.InvitedAt == nil {
			t := now
			a.InvitedAt = &t
		}
	}
}

func markAccepted(c *Case, ev Event, now time.Time) {
	if a, ok := c.Reviewers[ev.Payload["reviewer_id"]]; ok && a.AcceptedAt == nil {
		t := now
		a.AcceptedAt = &t
	}
}

func removeReviewer(c *Case, ev Event, now time.Time) {
	delete(c.Reviewers, ev.Payload["reviewer_id"])
}

func recordReview(c *Case, ev Event, now time.Time) {
	id := ev.Payload["reviewer_id"]
	if id == "" {
		return
	}
	// First submission wins; re-delivery is idempotent.
	if _, ok := c.Reviews[id]; ok {
		return
	}
	c.Reviews[id] = &Review{
		ReviewerID:  id,
		Score:       payloadFloat(ev.Payload, "score", 0),
		SubmittedAt: now,
	}
}

func recordConsensus(c *Case, ev Event, now time.Time) {
	c.QualityMetrics["consensus"] = payloadFloat(ev.Payload, "consensus", c.QualityMetrics["consensus"])
}

func recordDecision(c *Case, ev Event, now time.Time) {
	if d := ev.Payload["decision"]; d != "" {
		c.Decision = d
	}
}
