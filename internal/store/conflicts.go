package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quillworks/peerflow/internal/conflict"
)

// LogConflict records a settled or escalated conflict with all its
// proposals, winners and losers alike.
func (s *Store) LogConflict(ctx context.Context, cc *conflict.Case) error {
	proposals, err := json.Marshal(cc.Proposals)
	if err != nil {
		return fmt.Errorf("marshal proposals for conflict %s: %w", cc.ID, err)
	}
	resolution, err := json.Marshal(cc.Resolution)
	if err != nil {
		return fmt.Errorf("marshal resolution for conflict %s: %w", cc.ID, err)
	}

	strategy, winner := "", ""
	if cc.Resolution != nil {
		strategy = string(cc.Resolution.Strategy)
		winner = cc.Resolution.WinnerCaseID
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO conflict_log (id, conflict_type, resource, strategy, winner_case_id, proposals, resolution, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		cc.ID, string(cc.Type), cc.Resource, strategy, winner, proposals, resolution, cc.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("log conflict %s: %w", cc.ID, err)
	}
	return nil
}

// RecentConflicts returns the latest logged conflicts, newest first.
func (s *Store) RecentConflicts(ctx context.Context, limit int) ([]*conflict.Case, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, conflict_type, resource, proposals, resolution, detected_at
		FROM conflict_log ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent conflicts: %w", err)
	}
	defer rows.Close()

	var out []*conflict.Case
	for rows.Next() {
		var cc conflict.Case
		var ctype string
		var proposals, resolution []byte
		if err := rows.Scan(&cc.ID, &ctype, &cc.Resource, &proposals, &resolution, &cc.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		cc.Type = conflict.Type(ctype)
		if err := json.Unmarshal(proposals, &cc.Proposals); err != nil {
			return nil, fmt.Errorf("unmarshal proposals: %w", err)
		}
		if len(resolution) > 0 && string(resolution) != "null" {
			if err := json.Unmarshal(resolution, &cc.Resolution); err != nil {
				return nil, fmt.Errorf("unmarshal resolution: %w", err)
			}
		}
		seen := make(map[string]bool)
		for _, p := range cc.Proposals {
			if !seen[p.CaseID] {
				seen[p.CaseID] = true
				cc.Participants = append(cc.Participants, p.CaseID)
			}
		}
		sort.Strings(cc.Participants)
		out = append(out, &cc)
	}
	return out, rows.Err()
}
