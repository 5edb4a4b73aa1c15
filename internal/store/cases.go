package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quillworks/peerflow/internal/coordination"
	"go.uber.org/zap"
)

// SaveCase upserts a case snapshot. Map-valued state rides in JSONB so
// the schema does not chase every lifecycle change.
func (s *Store) SaveCase(ctx context.Context, c *coordination.Case) error {
	reviewers, err := json.Marshal(c.Reviewers)
	if err != nil {
		return fmt.Errorf("marshal reviewers for %s: %w", c.ManuscriptID, err)
	}
	reviews, err := json.Marshal(c.Reviews)
	if err != nil {
		return fmt.Errorf("marshal reviews for %s: %w", c.ManuscriptID, err)
	}
	timeline, err := json.Marshal(c.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline for %s: %w", c.ManuscriptID, err)
	}
	quality, err := json.Marshal(c.QualityMetrics)
	if err != nil {
		return fmt.Errorf("marshal quality metrics for %s: %w", c.ManuscriptID, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO cases (manuscript_id, stage, urgency, required_reviews,
			reviewers, reviews, timeline, quality_metrics,
			reminder_count, escalation_count, editorial_decision,
			last_error, error_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (manuscript_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			urgency = EXCLUDED.urgency,
			required_reviews = EXCLUDED.required_reviews,
			reviewers = EXCLUDED.reviewers,
			reviews = EXCLUDED.reviews,
			timeline = EXCLUDED.timeline,
			quality_metrics = EXCLUDED.quality_metrics,
			reminder_count = EXCLUDED.reminder_count,
			escalation_count = EXCLUDED.escalation_count,
			editorial_decision = EXCLUDED.editorial_decision,
			last_error = EXCLUDED.last_error,
			error_count = EXCLUDED.error_count,
			updated_at = EXCLUDED.updated_at`,
		c.ManuscriptID, string(c.Stage), string(c.Urgency), c.RequiredReviews,
		reviewers, reviews, timeline, quality,
		c.ReminderCount, c.EscalationCount, c.Decision,
		c.LastError, c.ErrorCount, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save case %s: %w", c.ManuscriptID, err)
	}
	return nil
}

// ArchiveCase persists a terminal case snapshot and stamps the archive
// time. Archived rows stay queryable; nothing is deleted.
func (s *Store) ArchiveCase(ctx context.Context, c *coordination.Case) error {
	if err := s.SaveCase(ctx, c); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		UPDATE cases SET archived_at = $2 WHERE manuscript_id = $1`,
		c.ManuscriptID, time.Now())
	if err != nil {
		return fmt.Errorf("archive case %s: %w", c.ManuscriptID, err)
	}
	s.logger.Info("case archived",
		zap.String("manuscript", c.ManuscriptID),
		zap.String("stage", string(c.Stage)))
	return nil
}

// GetCase loads one case snapshot. Returns nil, nil when absent.
func (s *Store) GetCase(ctx context.Context, manuscriptID string) (*coordination.Case, error) {
	row := s.db.QueryRow(ctx, `
		SELECT manuscript_id, stage, urgency, required_reviews,
		       reviewers, reviews, timeline, quality_metrics,
		       reminder_count, escalation_count,
		       COALESCE(editorial_decision, ''), COALESCE(last_error, ''),
		       error_count, created_at, updated_at
		FROM cases WHERE manuscript_id = $1`, manuscriptID)

	c, err := scanCase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", manuscriptID, err)
	}
	return c, nil
}

// ListCases returns persisted cases, most recently updated first.
// Archived cases are included only when withArchived is set.
func (s *Store) ListCases(ctx context.Context, withArchived bool) ([]*coordination.Case, error) {
	q := `
		SELECT manuscript_id, stage, urgency, required_reviews,
		       reviewers, reviews, timeline, quality_metrics,
		       reminder_count, escalation_count,
		       COALESCE(editorial_decision, ''), COALESCE(last_error, ''),
		       error_count, created_at, updated_at
		FROM cases`
	if !withArchived {
		q += ` WHERE archived_at IS NULL`
	}
	q += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var cases []*coordination.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*coordination.Case, error) {
	var c coordination.Case
	var stage, urgency string
	var reviewers, reviews, timeline, quality []byte

	err := row.Scan(
		&c.ManuscriptID, &stage, &urgency, &c.RequiredReviews,
		&reviewers, &reviews, &timeline, &quality,
		&c.ReminderCount, &c.EscalationCount,
		&c.Decision, &c.LastError,
		&c.ErrorCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Stage = coordination.Stage(stage)
	c.Urgency = coordination.Urgency(urgency)
	if err := json.Unmarshal(reviewers, &c.Reviewers); err != nil {
		return nil, fmt.Errorf("unmarshal reviewers: %w", err)
	}
	if err := json.Unmarshal(reviews, &c.Reviews); err != nil {
		return nil, fmt.Errorf("unmarshal reviews: %w", err)
	}
	if err := json.Unmarshal(timeline, &c.Timeline); err != nil {
		return nil, fmt.Errorf("unmarshal timeline: %w", err)
	}
	if err := json.Unmarshal(quality, &c.QualityMetrics); err != nil {
		return nil, fmt.Errorf("unmarshal quality metrics: %w", err)
	}
	return &c, nil
}
