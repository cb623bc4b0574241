package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Fork deep-clones an aide's snapshot and blueprint into a new aide owned
// by the same caller. The event log and conversation start empty; the
// forked snapshot stands on its own without replay.
func (s *Store) Fork(ctx context.Context, aideID, ownerID string) (*Aide, error) {
	if err := s.Authorize(ctx, aideID, ownerID); err != nil {
		return nil, err
	}

	forked := &Aide{ID: uuid.NewString(), OwnerID: ownerID}
	var bpJSON []byte
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO aides (id, owner_id, blueprint, snapshot, snapshot_hash)
		 SELECT $1, $2, blueprint, snapshot, snapshot_hash FROM aides WHERE id = $3
		 RETURNING blueprint, snapshot_hash, created_at, updated_at`,
		forked.ID, ownerID, aideID,
	).Scan(&bpJSON, &forked.SnapshotHash, &forked.CreatedAt, &forked.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fork aide: %w", err)
	}
	if err := json.Unmarshal(bpJSON, &forked.Blueprint); err != nil {
		return nil, fmt.Errorf("decode blueprint: %w", err)
	}
	return forked, nil
}

// Publish copies a rendered artifact to the public slug-keyed surface.
// Republishing the same slug for the same aide overwrites; a slug held by
// a different aide is refused.
func (s *Store) Publish(ctx context.Context, aideID, ownerID, slug string, body []byte, contentType string) error {
	if err := s.Authorize(ctx, aideID, ownerID); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "text/html"
	}

	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT aide_id FROM published_pages WHERE slug = $1`, slug).Scan(&holder)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check slug: %w", err)
	}
	if err == nil && holder != aideID {
		return ErrSlugTaken
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO published_pages (slug, aide_id, body, content_type)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (slug) DO UPDATE
		 SET body = EXCLUDED.body, content_type = EXCLUDED.content_type, published_at = now()`,
		slug, aideID, body, contentType)
	if err != nil {
		return fmt.Errorf("publish page: %w", err)
	}
	return nil
}

// Published fetches a published artifact by slug.
func (s *Store) Published(ctx context.Context, slug string) (body []byte, contentType string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT body, content_type FROM published_pages WHERE slug = $1`, slug,
	).Scan(&body, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("load published page: %w", err)
	}
	return body, contentType, nil
}
