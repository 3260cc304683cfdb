package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/provenir/imcore/internal/event"
)

// Item is the promoter's authoritative snapshot of a knowledge item.
type Item struct {
	Ns            string
	ItemID        string
	Version       int64
	Title         string
	Content       string
	Labels        []string
	ContentHash   string
	IsActive      bool
	PolicyVersion string
	Source        event.SourceInfo
	UpdatedAt     time.Time
}

// Promotion is one accepted state transition: the item's new snapshot
// plus the provenance recorded in the version history row.
type Promotion struct {
	Item         Item
	InputEventID string
	EmittedAt    time.Time
}

// GetItem returns the current promoter snapshot for (ns, itemID), or
// nil when the item has never been promoted.
func (s *Store) GetItem(ctx context.Context, ns, itemID string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, title, content, labels_json, content_hash, is_active,
		       policy_version, source_repo, source_ref, source_path, source_blob_sha,
		       updated_at
		FROM promoter_items WHERE ns = ? AND item_id = ?`, ns, itemID)

	it := Item{Ns: ns, ItemID: itemID}
	var labelsJSON, updatedAt string
	err := row.Scan(&it.Version, &it.Title, &it.Content, &labelsJSON, &it.ContentHash,
		&it.IsActive, &it.PolicyVersion,
		&it.Source.Repo, &it.Source.Ref, &it.Source.Path, &it.Source.BlobSha,
		&updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s/%s: %w", ns, itemID, err)
	}
	if it.Labels, err = unmarshalLabels(labelsJSON); err != nil {
		return nil, fmt.Errorf("get item %s/%s: %w", ns, itemID, err)
	}
	if it.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("get item %s/%s: bad updated_at: %w", ns, itemID, err)
	}
	return &it, nil
}

// ApplyPromotion writes the new snapshot and its history row in one
// transaction. The snapshot upsert and the history append succeed or
// fail together so version history never diverges from current state.
func (s *Store) ApplyPromotion(ctx context.Context, p Promotion) error {
	labelsJSON, err := marshalLabels(p.Item.Labels)
	if err != nil {
		return fmt.Errorf("apply promotion %s/%s: %w", p.Item.Ns, p.Item.ItemID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply promotion %s/%s: begin: %w", p.Item.Ns, p.Item.ItemID, err)
	}
	defer tx.Rollback()

	it := p.Item
	_, err = tx.ExecContext(ctx, `
		INSERT INTO promoter_items
			(ns, item_id, version, title, content, labels_json, content_hash,
			 is_active, policy_version,
			 source_repo, source_ref, source_path, source_blob_sha, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ns, item_id) DO UPDATE SET
			version = excluded.version,
			title = excluded.title,
			content = excluded.content,
			labels_json = excluded.labels_json,
			content_hash = excluded.content_hash,
			is_active = excluded.is_active,
			policy_version = excluded.policy_version,
			source_repo = excluded.source_repo,
			source_ref = excluded.source_ref,
			source_path = excluded.source_path,
			source_blob_sha = excluded.source_blob_sha,
			updated_at = excluded.updated_at`,
		it.Ns, it.ItemID, it.Version, it.Title, it.Content, labelsJSON, it.ContentHash,
		it.IsActive, it.PolicyVersion,
		it.Source.Repo, it.Source.Ref, it.Source.Path, it.Source.BlobSha,
		it.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("apply promotion %s/%s: upsert: %w", it.Ns, it.ItemID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO promoter_item_versions
			(ns, item_id, version, title, content, labels_json, content_hash,
			 input_event_id, policy_version,
			 source_repo, source_ref, source_path, source_blob_sha, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ns, item_id, version) DO NOTHING`,
		it.Ns, it.ItemID, it.Version, it.Title, it.Content, labelsJSON, it.ContentHash,
		p.InputEventID, it.PolicyVersion,
		it.Source.Repo, it.Source.Ref, it.Source.Path, it.Source.BlobSha,
		p.EmittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("apply promotion %s/%s: history: %w", it.Ns, it.ItemID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply promotion %s/%s: commit: %w", it.Ns, it.ItemID, err)
	}
	return nil
}

// ItemVersion is one immutable row of a promoted item's history.
type ItemVersion struct {
	Ns            string
	ItemID        string
	Version       int64
	Title         string
	Content       string
	Labels        []string
	ContentHash   string
	InputEventID  string
	PolicyVersion string
	Source        event.SourceInfo
	EmittedAt     time.Time
}

// ListVersions returns the full promotion history of an item, oldest
// first. Empty slice when the item was never promoted.
func (s *Store) ListVersions(ctx context.Context, ns, itemID string) ([]ItemVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, title, content, labels_json, content_hash,
		       input_event_id, policy_version,
		       source_repo, source_ref, source_path, source_blob_sha, emitted_at
		FROM promoter_item_versions
		WHERE ns = ? AND item_id = ?
		ORDER BY version`, ns, itemID)
	if err != nil {
		return nil, fmt.Errorf("list versions %s/%s: %w", ns, itemID, err)
	}
	defer rows.Close()

	var out []ItemVersion
	for rows.Next() {
		v := ItemVersion{Ns: ns, ItemID: itemID}
		var labelsJSON, emittedAt string
		err := rows.Scan(&v.Version, &v.Title, &v.Content, &labelsJSON, &v.ContentHash,
			&v.InputEventID, &v.PolicyVersion,
			&v.Source.Repo, &v.Source.Ref, &v.Source.Path, &v.Source.BlobSha, &emittedAt)
		if err != nil {
			return nil, fmt.Errorf("list versions %s/%s: %w", ns, itemID, err)
		}
		if v.Labels, err = unmarshalLabels(labelsJSON); err != nil {
			return nil, fmt.Errorf("list versions %s/%s: %w", ns, itemID, err)
		}
		if v.EmittedAt, err = time.Parse(time.RFC3339Nano, emittedAt); err != nil {
			return nil, fmt.Errorf("list versions %s/%s: bad emitted_at: %w", ns, itemID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FindVersionByInputEvent returns the history row a given input event
// produced, or nil if the event never committed a version. Used to
// detect a crash between the state commit and the seen-ledger mark.
func (s *Store) FindVersionByInputEvent(ctx context.Context, ns, itemID, inputEventID string) (*ItemVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, title, content, labels_json, content_hash,
		       policy_version,
		       source_repo, source_ref, source_path, source_blob_sha, emitted_at
		FROM promoter_item_versions
		WHERE ns = ? AND item_id = ? AND input_event_id = ?
		ORDER BY version DESC LIMIT 1`, ns, itemID, inputEventID)

	v := ItemVersion{Ns: ns, ItemID: itemID, InputEventID: inputEventID}
	var labelsJSON, emittedAt string
	err := row.Scan(&v.Version, &v.Title, &v.Content, &labelsJSON, &v.ContentHash,
		&v.PolicyVersion,
		&v.Source.Repo, &v.Source.Ref, &v.Source.Path, &v.Source.BlobSha, &emittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find version by event %s/%s: %w", ns, inputEventID, err)
	}
	if v.Labels, err = unmarshalLabels(labelsJSON); err != nil {
		return nil, fmt.Errorf("find version by event %s/%s: %w", ns, inputEventID, err)
	}
	if v.EmittedAt, err = time.Parse(time.RFC3339Nano, emittedAt); err != nil {
		return nil, fmt.Errorf("find version by event %s/%s: bad emitted_at: %w", ns, inputEventID, err)
	}
	return &v, nil
}

// HasSeenEvent reports whether the promoter already fully processed
// the given input event.
func (s *Store) HasSeenEvent(ctx context.Context, ns, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM promoter_seen_events WHERE ns = ? AND event_id = ?`,
		ns, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has seen %s/%s: %w", ns, eventID, err)
	}
	return n > 0, nil
}

// MarkSeenEvent records an input event as fully processed. Written
// only after every downstream effect committed, so a crash before the
// mark yields a retried (and deduplicated) event, never a lost one.
func (s *Store) MarkSeenEvent(ctx context.Context, ns, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promoter_seen_events (ns, event_id) VALUES (?, ?)
		ON CONFLICT (ns, event_id) DO NOTHING`, ns, eventID)
	if err != nil {
		return fmt.Errorf("mark seen %s/%s: %w", ns, eventID, err)
	}
	return nil
}
