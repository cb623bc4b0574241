package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CatchupEvent holds one stored frame returned by the catchup query.
type CatchupEvent struct {
	ID    int64
	Frame map[string]any
}

// CatchupQuerier queries stored frames for catchup. Implemented by CatchupStore.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, aideID string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// CatchupStore reads persisted frames from the ws_events table.
type CatchupStore struct {
	db *sql.DB
}

// NewCatchupStore creates a CatchupStore over the pooled connection.
func NewCatchupStore(db *sql.DB) *CatchupStore {
	return &CatchupStore{db: db}
}

// GetCatchupEvents returns up to limit frames for the aide with IDs greater
// than sinceID, in insertion order.
func (s *CatchupStore) GetCatchupEvents(ctx context.Context, aideID string, sinceID int64, limit int) ([]CatchupEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, frame FROM ws_events WHERE aide_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		aideID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("catchup query failed: %w", err)
	}
	defer rows.Close()

	var events []CatchupEvent
	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("catchup scan failed: %w", err)
		}
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, fmt.Errorf("stored frame %d is not valid JSON: %w", id, err)
		}
		events = append(events, CatchupEvent{ID: id, Frame: frame})
	}
	return events, rows.Err()
}
