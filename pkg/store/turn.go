package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aide-hq/aide/pkg/kernel"
	"github.com/aide-hq/aide/pkg/orchestrator"
	"github.com/aide-hq/aide/pkg/prompt"
)

// persistRetryDelay separates the single retry PersistTurn makes on a
// transient write failure.
const persistRetryDelay = 500 * time.Millisecond

// LoadForTurn fetches the snapshot, blueprint, and conversation tail for a
// turn. Called inside the per-aide lock; ownership was checked when the
// connection was established.
func (s *Store) LoadForTurn(ctx context.Context, aideID string) (*orchestrator.TurnState, error) {
	state := &orchestrator.TurnState{}
	var snapJSON, bpJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, blueprint FROM aides WHERE id = $1`, aideID,
	).Scan(&snapJSON, &bpJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load aide: %w", err)
	}
	if err := json.Unmarshal(snapJSON, &state.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal(bpJSON, &state.Blueprint); err != nil {
		return nil, fmt.Errorf("decode blueprint: %w", err)
	}

	msgs, err := s.messages(ctx, aideID, conversationTailLimit)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		state.Tail = append(state.Tail, prompt.Turn{
			Role:       m.Role,
			Text:       m.Content,
			OpsApplied: m.OpsApplied,
		})
	}
	return state, nil
}

// PersistTurn atomically appends the applied events, overwrites the
// materialized snapshot, and records the conversation rows. An empty
// userMessage (direct edits) writes no conversation rows. One retry on
// failure; after that the error propagates and the previously persisted
// snapshot remains authoritative.
func (s *Store) PersistTurn(ctx context.Context, aideID string, applied []*kernel.Event, snap *kernel.Snapshot, userMessage string, assistant prompt.Turn) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := kernel.Hash(snap)
	if err != nil {
		return fmt.Errorf("hash snapshot: %w", err)
	}

	attempt := func() error {
		return s.persistTurnTx(ctx, aideID, applied, snapJSON, hash, userMessage, assistant)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(persistRetryDelay), 1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("persist turn: %w", err)
	}
	return nil
}

func (s *Store) persistTurnTx(ctx context.Context, aideID string, applied []*kernel.Event, snapJSON []byte, hash, userMessage string, assistant prompt.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Warn("Transaction rollback failed", "aide_id", aideID, "error", err)
		}
	}()

	for _, ev := range applied {
		evJSON, err := json.Marshal(ev)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO aide_events (aide_id, sequence, event) VALUES ($1, $2, $3)`,
			aideID, ev.Sequence, evJSON); err != nil {
			return fmt.Errorf("append event %d: %w", ev.Sequence, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE aides SET snapshot = $2, snapshot_hash = $3, updated_at = now() WHERE id = $1`,
		aideID, snapJSON, hash)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return backoff.Permanent(ErrNotFound)
	}

	if userMessage != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (aide_id, role, content, ops_applied)
			 VALUES ($1, 'user', $2, 0)`,
			aideID, userMessage); err != nil {
			return fmt.Errorf("record user message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (aide_id, role, content, ops_applied)
			 VALUES ($1, 'assistant', $2, $3)`,
			aideID, assistant.Text, assistant.OpsApplied); err != nil {
			return fmt.Errorf("record assistant message: %w", err)
		}
	}

	return tx.Commit()
}
