package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quillworks/peerflow/internal/coordination"
)

// EventRecord is one logged coordination event with its processing
// result.
type EventRecord struct {
	ID           string            `json:"id"`
	ManuscriptID string            `json:"manuscript_id"`
	EventType    string            `json:"event_type"`
	Payload      map[string]string `json:"payload,omitempty"`
	Accepted     bool              `json:"accepted"`
	Error        string            `json:"error,omitempty"`
	ReceivedAt   time.Time         `json:"received_at"`
}

// LogEvent appends one processed event to the audit log, keeping
// rejections alongside accepted transitions.
func (s *Store) LogEvent(ctx context.Context, ev coordination.Event, processErr error) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", ev.ManuscriptID, err)
	}

	accepted := processErr == nil
	msg := ""
	if processErr != nil {
		msg = processErr.Error()
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO case_events (id, manuscript_id, event_type, payload, accepted, error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), ev.ManuscriptID, string(ev.Type), payload, accepted, msg, ts,
	)
	if err != nil {
		return fmt.Errorf("log event %s for %s: %w", ev.Type, ev.ManuscriptID, err)
	}
	return nil
}

// EventsFor returns the event history of one manuscript, oldest first.
func (s *Store) EventsFor(ctx context.Context, manuscriptID string) ([]EventRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, manuscript_id, event_type, payload, accepted, COALESCE(error, ''), received_at
		FROM case_events WHERE manuscript_id = $1
		ORDER BY received_at`, manuscriptID)
	if err != nil {
		return nil, fmt.Errorf("events for %s: %w", manuscriptID, err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		var payload []byte
		if err := rows.Scan(&r.ID, &r.ManuscriptID, &r.EventType, &payload,
			&r.Accepted, &r.Error, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
