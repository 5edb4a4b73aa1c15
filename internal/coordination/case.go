// Package coordination models the per-manuscript review lifecycle as an
// explicit stage machine with guarded transitions, and serializes all
// mutation of a case behind a per-case handle.
package coordination

import (
	"strconv"
	"time"
)

// Stage identifies a position in the review lifecycle.
type Stage string

const (
	StageInitiated          Stage = "initiated"
	StageReviewerAssignment Stage = "reviewer_assignment"
	StageInvitationSent     Stage = "invitation_sent"
	StageInvitationAccepted Stage = "invitation_accepted"
	StageReviewInProgress   Stage = "review_in_progress"
	StageReviewSubmitted    Stage = "review_submitted"
	StageQualityAssessment  Stage = "quality_assessment"
	StageEditorialDecision  Stage = "editorial_decision"
	StageCompleted          Stage = "completed"
	StageCancelled          Stage = "cancelled"
)

// stageOrder positions stages along the lifecycle; it backs the
// "already past" duplicate check, not transition validity.
var stageOrder = map[Stage]int{
	StageInitiated:          0,
	StageReviewerAssignment: 1,
	StageInvitationSent:     2,
	StageInvitationAccepted: 3,
	StageReviewInProgress:   4,
	StageReviewSubmitted:    5,
	StageQualityAssessment:  6,
	StageEditorialDecision:  7,
	StageCompleted:          8,
	StageCancelled:          9,
}

// IsTerminal reports whether no further transitions exist from s.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageCancelled
}

// IsValid reports whether s is a recognized stage.
func (s Stage) IsValid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Urgency classifies a manuscript's timeline pressure.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// EventType names an inbound coordination event.
type EventType string

const (
	EventSubmissionReceived  EventType = "submission-received"
	EventReviewersSelected   EventType = "reviewers-selected"
	EventInvitationSent      EventType = "invitation-sent"
	EventInvitationAccepted  EventType = "invitation-accepted"
	EventInvitationDeclined  EventType = "invitation-declined"
	EventReviewStarted       EventType = "review-started"
	EventReviewSubmitted     EventType = "review-submitted"
	EventQualityCheckStarted EventType = "quality-check-started"
	EventQualityAssessed     EventType = "quality-assessed"
	EventDecisionMade        EventType = "decision-made"
	EventWithdrawal          EventType = "withdrawal"
)

// Event is one inbound message from the external feed. Delivery is
// at-least-once; Apply tolerates duplicates.
type Event struct {
	Type         EventType         `json:"event_type"`
	ManuscriptID string            `json:"manuscript_id"`
	Payload      map[string]string `json:"payload,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Assignment tracks one reviewer attached to a case.
type Assignment struct {
	ReviewerID     string     `json:"reviewer_id"`
	AssignedAt     time.Time  `json:"assigned_at"`
	InvitedAt      *time.Time `json:"invited_at,omitempty"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	LastRemindedAt *time.Time `json:"last_reminded_at,omitempty"`
}

// Review is a submitted review.
type Review struct {
	ReviewerID  string    `json:"reviewer_id"`
	Score       float64   `json:"score"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Case is the tracked coordination state for one manuscript. Exactly one
// live case exists per manuscript ID; terminal cases are archived, never
// deleted.
type Case struct {
	ManuscriptID    string                 `json:"manuscript_id"`
	Stage           Stage                  `json:"current_stage"`
	Urgency         Urgency                `json:"urgency"`
	RequiredReviews int                    `json:"required_reviews"`
	Reviewers       map[string]*Assignment `json:"assigned_reviewers"`
	Reviews         map[string]*Review     `json:"reviews"`
	Timeline        map[Stage]time.Time    `json:"timeline"`
	ReminderCount   int                    `json:"reminder_count"`
	EscalationCount int                    `json:"escalation_count"`
	QualityMetrics  map[string]float64     `json:"quality_metrics"`
	Decision        string                 `json:"editorial_decision,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	ErrorCount      int                    `json:"error_count"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// NewCase creates a case at the initiated stage.
func NewCase(manuscriptID string, urgency Urgency, requiredReviews int, now time.Time) *Case {
	if urgency == "" {
		urgency = UrgencyNormal
	}
	if requiredReviews <= 0 {
		requiredReviews = 2
	}
	return &Case{
		ManuscriptID:    manuscriptID,
		Stage:           StageInitiated,
		Urgency:         urgency,
		RequiredReviews: requiredReviews,
		Reviewers:       make(map[string]*Assignment),
		Reviews:         make(map[string]*Review),
		Timeline:        map[Stage]time.Time{StageInitiated: now},
		QualityMetrics:  make(map[string]float64),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy, used for lock-free snapshots.
func (c *Case) Clone() *Case {
	cp := *c
	cp.Reviewers = make(map[string]*Assignment, len(c.Reviewers))
	for k, v := range c.Reviewers {
		a := *v
		cp.Reviewers[k] = &a
	}
	cp.Reviews = make(map[string]*Review, len(c.Reviews))
	for k, v := range c.Reviews {
		r := *v
		cp.Reviews[k] = &r
	}
	cp.Timeline = make(map[Stage]time.Time, len(c.Timeline))
	for k, v := range c.Timeline {
		cp.Timeline[k] = v
	}
	cp.QualityMetrics = make(map[string]float64, len(c.QualityMetrics))
	for k, v := range c.QualityMetrics {
		cp.QualityMetrics[k] = v
	}
	return &cp
}

// SubmittedCount counts reviews no older than maxAge at now. A zero
// maxAge means reviews never expire.
func (c *Case) SubmittedCount(now time.Time, maxAge time.Duration) int {
	n := 0
	for _, r := range c.Reviews {
		if maxAge > 0 && now.Sub(r.SubmittedAt) > maxAge {
			continue
		}
		n++
	}
	return n
}

// ReviewsComplete reports whether enough fresh reviews are in.
func (c *Case) ReviewsComplete(now time.Time, maxAge time.Duration) bool {
	return c.SubmittedCount(now, maxAge) >= c.RequiredReviews
}

// PendingReviewers returns assigned reviewers who have not submitted a
// review. Order is unspecified; callers sort as needed.
func (c *Case) PendingReviewers() []string {
	var out []string
	for id := range c.Reviewers {
		if _, done := c.Reviews[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

// payloadFloat reads a float payload field, defaulting when absent.
func payloadFloat(payload map[string]string, key string, def float64) float64 {
	if s, ok := payload[key]; ok {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return def
}

// payloadInt reads an int payload field, defaulting when absent.
func payloadInt(payload map[string]string, key string, def int) int {
	if s, ok := payload[key]; ok {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return def
}
