package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aide-hq/aide/pkg/orchestrator"
)

// FramePublisher fans turn frames out for WebSocket delivery. Persistent
// frames are stored in the ws_events table then broadcast via NOTIFY in the
// same transaction; voice frames are broadcast via NOTIFY only.
type FramePublisher struct {
	db *sql.DB
}

// NewFramePublisher creates a new FramePublisher.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewFramePublisher(db *sql.DB) *FramePublisher {
	return &FramePublisher{db: db}
}

// Publish routes one frame to the aide's channel, choosing persistence by
// the frame's own lifecycle.
func (p *FramePublisher) Publish(ctx context.Context, aideID string, f orchestrator.Frame) error {
	frameJSON, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", f.Type, err)
	}
	if f.Persistent() {
		return p.persistAndNotify(ctx, aideID, AideChannel(aideID), frameJSON)
	}
	return p.notifyOnly(ctx, AideChannel(aideID), frameJSON)
}

// Sink adapts the publisher to a per-aide frame sink for the orchestrator.
func (p *FramePublisher) Sink(aideID string) orchestrator.Sink {
	return orchestrator.SinkFunc(func(ctx context.Context, f orchestrator.Frame) error {
		return p.Publish(ctx, aideID, f)
	})
}

// persistAndNotify persists a pre-marshaled frame to the database and
// broadcasts via NOTIFY in a single transaction (pg_notify is transactional —
// held until COMMIT).
func (p *FramePublisher) persistAndNotify(ctx context.Context, aideID, channel string, frameJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Persist to ws_events (within transaction)
	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ws_events (aide_id, frame, created_at) VALUES ($1, $2, $3) RETURNING id`,
		aideID, frameJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist frame: %w", err)
	}

	// Build NOTIFY payload with db_event_id for catchup tracking.
	notifyPayload, err := injectDBEventIDAndTruncate(frameJSON, eventID)
	if err != nil {
		return err
	}

	// 2. pg_notify within same transaction — held until COMMIT
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	// 3. Commit — INSERT is persisted and NOTIFY fires atomically
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit frame transaction: %w", err)
	}

	return nil
}

// notifyOnly broadcasts a pre-marshaled frame via NOTIFY without persisting.
func (p *FramePublisher) notifyOnly(ctx context.Context, channel string, frameJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(frameJSON))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectDBEventIDAndTruncate adds db_event_id to the frame JSON for NOTIFY
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectDBEventIDAndTruncate(frameJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(frameJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal frame for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enrichedBytes, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}

	return truncateIfNeeded(string(enrichedBytes))
}

// truncateIfNeeded returns the payload string as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise returns a minimal
// truncation envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload creates a minimal truncation envelope from the full
// frame JSON, keeping only the routing fields the client needs to fetch the
// complete frame from the database via catchup.
func buildTruncatedPayload(frameBytes []byte) (string, error) {
	var routing struct {
		Type      string `json:"type"`
		MessageID string `json:"message_id"`
		ID        string `json:"id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(frameBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"truncated": true,
	}
	if routing.MessageID != "" {
		truncated["message_id"] = routing.MessageID
	}
	if routing.ID != "" {
		truncated["id"] = routing.ID
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
