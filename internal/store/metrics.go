package store

import (
	"context"
	"fmt"
	"time"
)

// Metrics are persistence-backed aggregates over all cases ever seen.
type Metrics struct {
	CasesByStage     map[string]int64 `json:"cases_by_stage"`
	ArchivedCases    int64            `json:"archived_cases"`
	AvgCycleTime     time.Duration    `json:"avg_cycle_time_ns"`
	AvgCycleTimeDays float64          `json:"avg_cycle_time_days"`
	RejectedEvents   int64            `json:"rejected_events"`
	Conflicts        int64            `json:"conflicts"`
}

// AggregateMetrics computes stage distribution, average submission-to-
// completion cycle time, and audit counts.
func (s *Store) AggregateMetrics(ctx context.Context) (*Metrics, error) {
	m := &Metrics{CasesByStage: make(map[string]int64)}

	rows, err := s.db.Query(ctx, `
		SELECT stage, COUNT(*) FROM cases GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	for rows.Next() {
		var stage string
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		m.CasesByStage[stage] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM cases WHERE archived_at IS NOT NULL`).Scan(&m.ArchivedCases)
	if err != nil {
		return nil, fmt.Errorf("archived count: %w", err)
	}

	var avgSeconds *float64
	err = s.db.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (updated_at - created_at)))
		FROM cases WHERE stage = 'completed'`).Scan(&avgSeconds)
	if err != nil {
		return nil, fmt.Errorf("cycle time: %w", err)
	}
	if avgSeconds != nil {
		m.AvgCycleTime = time.Duration(*avgSeconds * float64(time.Second))
		m.AvgCycleTimeDays = *avgSeconds / 86400
	}

	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM case_events WHERE NOT accepted`).Scan(&m.RejectedEvents)
	if err != nil {
		return nil, fmt.Errorf("rejected events: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM conflict_log`).Scan(&m.Conflicts)
	if err != nil {
		return nil, fmt.Errorf("conflict count: %w", err)
	}
	return m, nil
}
