package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"overwatch/core"
)

// AppendEvent stores the event as an immutable JSON payload. Events are
// never updated after ingest; a duplicate id is treated as already written.
func (s *SQLite) AppendEvent(ctx context.Context, event *core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	_, err = s.WriteDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, ingested_at, payload) VALUES (?, ?, ?)`,
		event.ID, formatTime(event.IngestedAt), string(payload))
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.ID, err)
	}
	return nil
}

// GetEvent returns a stored event by id.
func (s *SQLite) GetEvent(ctx context.Context, id string) (*core.Event, error) {
	var payload string
	err := s.ReadDB.QueryRowContext(ctx,
		`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	var event core.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("malformed event payload %s: %w", id, err)
	}
	return &event, nil
}

// GetEventCount returns the number of stored events.
func (s *SQLite) GetEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.ReadDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
