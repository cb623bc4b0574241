// Package store is the hydration and persistence facade: event log,
// materialized snapshots, conversation history, blueprints, publishing,
// and the relational telemetry sink.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aide-hq/aide/pkg/database"
	"github.com/aide-hq/aide/pkg/kernel"
	"github.com/aide-hq/aide/pkg/prompt"
)

var (
	// ErrNotFound means the aide does not exist.
	ErrNotFound = errors.New("aide not found")
	// ErrForbidden means the caller does not own the aide.
	ErrForbidden = errors.New("access denied")
	// ErrSlugTaken means the publish slug belongs to another aide.
	ErrSlugTaken = errors.New("slug already in use")
)

// conversationTailLimit bounds the turns handed to the prompt builder.
const conversationTailLimit = 10

// Store provides all persistence operations. Per-aide atomicity of
// PersistTurn is guaranteed by the caller holding the aide's turn lock
// plus a transaction here.
type Store struct {
	db *sql.DB
}

// New wraps a migrated database client.
func New(client *database.Client) *Store {
	return &Store{db: client.DB()}
}

// Aide is the row-level identity of one living object.
type Aide struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"owner_id"`
	Blueprint    prompt.Blueprint `json:"blueprint"`
	SnapshotHash string           `json:"snapshot_hash"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Message is one conversation row.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	OpsApplied int       `json:"ops_applied,omitempty"`
	TS         time.Time `json:"ts"`
}

// HydrateResult is the cold-load payload. The snapshot is authoritative;
// clients never replay the event log to reconstruct state.
type HydrateResult struct {
	Snapshot     *kernel.Snapshot `json:"snapshot"`
	Events       []*kernel.Event  `json:"events"`
	Blueprint    prompt.Blueprint `json:"blueprint"`
	Messages     []Message        `json:"messages"`
	SnapshotHash string           `json:"snapshot_hash"`
}

// Create makes a new aide with an empty snapshot.
func (s *Store) Create(ctx context.Context, ownerID string, bp prompt.Blueprint) (*Aide, error) {
	snap := kernel.NewSnapshot()
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := kernel.Hash(snap)
	if err != nil {
		return nil, fmt.Errorf("hash snapshot: %w", err)
	}
	bpJSON, err := json.Marshal(bp)
	if err != nil {
		return nil, fmt.Errorf("marshal blueprint: %w", err)
	}

	aide := &Aide{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Blueprint:    bp,
		SnapshotHash: hash,
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO aides (id, owner_id, blueprint, snapshot, snapshot_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		aide.ID, ownerID, bpJSON, snapJSON, hash,
	).Scan(&aide.CreatedAt, &aide.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert aide: %w", err)
	}
	return aide, nil
}

// Authorize verifies that ownerID owns aideID. Every externally-reachable
// operation goes through this before touching aide state.
func (s *Store) Authorize(ctx context.Context, aideID, ownerID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id FROM aides WHERE id = $1`, aideID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("look up aide owner: %w", err)
	}
	if owner != ownerID {
		return ErrForbidden
	}
	return nil
}

// Hydrate returns the full cold-load payload: materialized snapshot, the
// complete event log, blueprint, conversation history, and snapshot hash.
// Takes no turn lock; it reads the last successfully persisted state.
func (s *Store) Hydrate(ctx context.Context, aideID, ownerID string) (*HydrateResult, error) {
	if err := s.Authorize(ctx, aideID, ownerID); err != nil {
		return nil, err
	}

	res := &HydrateResult{}
	var snapJSON, bpJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, blueprint, snapshot_hash FROM aides WHERE id = $1`, aideID,
	).Scan(&snapJSON, &bpJSON, &res.SnapshotHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load aide: %w", err)
	}
	if err := json.Unmarshal(snapJSON, &res.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := json.Unmarshal(bpJSON, &res.Blueprint); err != nil {
		return nil, fmt.Errorf("decode blueprint: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM aide_events WHERE aide_id = $1 ORDER BY sequence`, aideID)
	if err != nil {
		return nil, fmt.Errorf("load event log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev kernel.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		res.Events = append(res.Events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event log: %w", err)
	}

	res.Messages, err = s.messages(ctx, aideID, 0)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// messages returns conversation rows in chronological order; limit 0 means
// all, otherwise the newest `limit` rows.
func (s *Store) messages(ctx context.Context, aideID string, limit int) ([]Message, error) {
	q := `SELECT role, content, ops_applied, created_at
	      FROM conversation_messages WHERE aide_id = $1 ORDER BY id`
	args := []any{aideID}
	if limit > 0 {
		q = `SELECT role, content, ops_applied, created_at FROM (
		       SELECT id, role, content, ops_applied, created_at
		       FROM conversation_messages WHERE aide_id = $1
		       ORDER BY id DESC LIMIT $2
		     ) t ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.OpsApplied, &m.TS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
