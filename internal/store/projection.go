package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/provenir/imcore/internal/event"
)

// CurrentItem is one row of the delta projection's current view.
type CurrentItem struct {
	Ns            string
	ItemID        string
	Version       int64
	Title         string
	Content       string
	Labels        []string
	IsActive      bool
	PolicyVersion string
	OccurredAt    time.Time
	EmittedAt     time.Time
}

// ApplyDelta applies one delta event to the projection with full
// idempotency: the projector-local ledger drops exact redeliveries,
// and a version guard drops late deliveries of superseded versions.
// Both are marked seen so they are never reconsidered.
//
// Returns true when the projection state actually changed.
func (s *Store) ApplyDelta(ctx context.Context, d event.DeltaEvent) (bool, error) {
	key := d.MsgID()

	seen, err := s.hasDeltaSeen(ctx, d.Ns, key)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("apply delta %s: begin: %w", key, err)
	}
	defer tx.Rollback()

	applied, err := applyDeltaTx(ctx, tx, d)
	if err != nil {
		return false, fmt.Errorf("apply delta %s: %w", key, err)
	}

	// The ledger write commits atomically with the state change, so a
	// crash can never leave the event half-applied-and-seen.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO deltas_seen_events (ns, event_id) VALUES (?, ?)
		ON CONFLICT (ns, event_id) DO NOTHING`, d.Ns, key)
	if err != nil {
		return false, fmt.Errorf("apply delta %s: mark seen: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("apply delta %s: commit: %w", key, err)
	}
	return applied, nil
}

// ReplayDelta applies one delta during a replay run. Replay reads the
// log once in order, so there is no ledger; the version guard alone
// suffices for any duplicates the log itself retained.
func (s *Store) ReplayDelta(ctx context.Context, d event.DeltaEvent) (bool, error) {
	key := d.MsgID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("replay delta %s: begin: %w", key, err)
	}
	defer tx.Rollback()

	applied, err := applyDeltaTx(ctx, tx, d)
	if err != nil {
		return false, fmt.Errorf("replay delta %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("replay delta %s: commit: %w", key, err)
	}
	return applied, nil
}

// applyDeltaTx performs the actual state transition inside a caller
// transaction. Deltas whose new_version does not advance the current
// row are stale and leave the projection untouched.
func applyDeltaTx(ctx context.Context, tx *sql.Tx, d event.DeltaEvent) (bool, error) {
	var current int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM im_items_current WHERE ns = ? AND item_id = ?`,
		d.Ns, d.ItemID).Scan(&current)
	exists := true
	if err == sql.ErrNoRows {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("read current: %w", err)
	}
	if exists && d.NewVersion <= current {
		return false, nil
	}

	occurredAt := d.OccurredAt.UTC().Format(time.RFC3339Nano)
	emittedAt := d.EmittedAt.UTC().Format(time.RFC3339Nano)

	switch {
	case d.IsUpsert():
		labelsJSON, err := marshalLabels(d.Labels)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO im_items_current
				(ns, item_id, version, title, content, labels_json,
				 is_active, policy_version, occurred_at, emitted_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (ns, item_id) DO UPDATE SET
				version = excluded.version,
				title = excluded.title,
				content = excluded.content,
				labels_json = excluded.labels_json,
				is_active = 1,
				policy_version = excluded.policy_version,
				occurred_at = excluded.occurred_at,
				emitted_at = excluded.emitted_at`,
			d.Ns, d.ItemID, d.NewVersion, d.Title, d.Content, labelsJSON,
			d.PolicyVersion, occurredAt, emittedAt)
		if err != nil {
			return false, fmt.Errorf("upsert current: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO im_items_history
				(ns, item_id, version, title, content, labels_json,
				 is_active, policy_version, occurred_at, emitted_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT (ns, item_id, version) DO NOTHING`,
			d.Ns, d.ItemID, d.NewVersion, d.Title, d.Content, labelsJSON,
			d.PolicyVersion, occurredAt, emittedAt)
		if err != nil {
			return false, fmt.Errorf("append history: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO source_bindings (ns, item_id, version, repo, ref, path, blob_sha)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (ns, item_id, version) DO NOTHING`,
			d.Ns, d.ItemID, d.NewVersion,
			d.Source.Repo, d.Source.Ref, d.Source.Path, d.Source.BlobSha)
		if err != nil {
			return false, fmt.Errorf("bind source: %w", err)
		}
		return true, nil

	case d.IsRetract():
		// A retract with no prior upsert has nothing to deactivate.
		// Dropping it keeps replay equivalent to live processing.
		if !exists {
			return false, nil
		}
		// Retraction flips the active flag and advances the version.
		// Title, content, and labels of the last active version stay
		// on the row so history remains self-describing.
		_, err = tx.ExecContext(ctx, `
			UPDATE im_items_current
			SET version = ?, is_active = 0, policy_version = ?,
			    occurred_at = ?, emitted_at = ?
			WHERE ns = ? AND item_id = ?`,
			d.NewVersion, d.PolicyVersion, occurredAt, emittedAt, d.Ns, d.ItemID)
		if err != nil {
			return false, fmt.Errorf("retract current: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO im_items_history
				(ns, item_id, version, title, content, labels_json,
				 is_active, policy_version, occurred_at, emitted_at)
			SELECT ns, item_id, version, title, content, labels_json,
			       0, policy_version, occurred_at, emitted_at
			FROM im_items_current WHERE ns = ? AND item_id = ?
			ON CONFLICT (ns, item_id, version) DO NOTHING`,
			d.Ns, d.ItemID)
		if err != nil {
			return false, fmt.Errorf("append history: %w", err)
		}

		// The retract version keeps its own provenance row so the
		// binding chain stays unbroken across deactivation.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO source_bindings (ns, item_id, version, repo, ref, path, blob_sha)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (ns, item_id, version) DO NOTHING`,
			d.Ns, d.ItemID, d.NewVersion,
			d.Source.Repo, d.Source.Ref, d.Source.Path, d.Source.BlobSha)
		if err != nil {
			return false, fmt.Errorf("bind source: %w", err)
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown delta type %q", d.Type)
	}
}

func (s *Store) hasDeltaSeen(ctx context.Context, ns, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deltas_seen_events WHERE ns = ? AND event_id = ?`,
		ns, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("delta seen %s/%s: %w", ns, eventID, err)
	}
	return n > 0, nil
}

// GetCurrent returns the projection's current row for (ns, itemID),
// or nil when no delta ever touched the item.
func (s *Store) GetCurrent(ctx context.Context, ns, itemID string) (*CurrentItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, title, content, labels_json, is_active,
		       policy_version, occurred_at, emitted_at
		FROM im_items_current WHERE ns = ? AND item_id = ?`, ns, itemID)
	it, err := scanCurrent(row, ns, itemID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current %s/%s: %w", ns, itemID, err)
	}
	return it, nil
}

// ListCurrent returns the projection's current rows for a namespace
// ordered by item id. activeOnly restricts to non-retracted items.
func (s *Store) ListCurrent(ctx context.Context, ns string, activeOnly bool) ([]CurrentItem, error) {
	q := `
		SELECT item_id, version, title, content, labels_json, is_active,
		       policy_version, occurred_at, emitted_at
		FROM im_items_current WHERE ns = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY item_id`

	rows, err := s.db.QueryContext(ctx, q, ns)
	if err != nil {
		return nil, fmt.Errorf("list current %s: %w", ns, err)
	}
	defer rows.Close()

	var out []CurrentItem
	for rows.Next() {
		it := CurrentItem{Ns: ns}
		var labelsJSON, occurredAt, emittedAt string
		err := rows.Scan(&it.ItemID, &it.Version, &it.Title, &it.Content, &labelsJSON,
			&it.IsActive, &it.PolicyVersion, &occurredAt, &emittedAt)
		if err != nil {
			return nil, fmt.Errorf("list current %s: %w", ns, err)
		}
		if err := finishCurrent(&it, labelsJSON, occurredAt, emittedAt); err != nil {
			return nil, fmt.Errorf("list current %s: %w", ns, err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListProjectionHistory returns every projected version of an item,
// oldest first.
func (s *Store) ListProjectionHistory(ctx context.Context, ns, itemID string) ([]CurrentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, title, content, labels_json, is_active,
		       policy_version, occurred_at, emitted_at
		FROM im_items_history WHERE ns = ? AND item_id = ?
		ORDER BY version`, ns, itemID)
	if err != nil {
		return nil, fmt.Errorf("list history %s/%s: %w", ns, itemID, err)
	}
	defer rows.Close()

	var out []CurrentItem
	for rows.Next() {
		it := CurrentItem{Ns: ns, ItemID: itemID}
		var labelsJSON, occurredAt, emittedAt string
		err := rows.Scan(&it.Version, &it.Title, &it.Content, &labelsJSON,
			&it.IsActive, &it.PolicyVersion, &occurredAt, &emittedAt)
		if err != nil {
			return nil, fmt.Errorf("list history %s/%s: %w", ns, itemID, err)
		}
		if err := finishCurrent(&it, labelsJSON, occurredAt, emittedAt); err != nil {
			return nil, fmt.Errorf("list history %s/%s: %w", ns, itemID, err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SourceBinding records which repository blob a projected version
// came from.
type SourceBinding struct {
	Version int64
	Source  event.SourceInfo
}

// ListSourceBindings returns an item's source bindings oldest first.
func (s *Store) ListSourceBindings(ctx context.Context, ns, itemID string) ([]SourceBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, repo, ref, path, blob_sha
		FROM source_bindings WHERE ns = ? AND item_id = ?
		ORDER BY version`, ns, itemID)
	if err != nil {
		return nil, fmt.Errorf("list bindings %s/%s: %w", ns, itemID, err)
	}
	defer rows.Close()

	var out []SourceBinding
	for rows.Next() {
		var b SourceBinding
		if err := rows.Scan(&b.Version, &b.Source.Repo, &b.Source.Ref, &b.Source.Path, &b.Source.BlobSha); err != nil {
			return nil, fmt.Errorf("list bindings %s/%s: %w", ns, itemID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanCurrent(row *sql.Row, ns, itemID string) (*CurrentItem, error) {
	it := CurrentItem{Ns: ns, ItemID: itemID}
	var labelsJSON, occurredAt, emittedAt string
	err := row.Scan(&it.Version, &it.Title, &it.Content, &labelsJSON,
		&it.IsActive, &it.PolicyVersion, &occurredAt, &emittedAt)
	if err != nil {
		return nil, err
	}
	if err := finishCurrent(&it, labelsJSON, occurredAt, emittedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func finishCurrent(it *CurrentItem, labelsJSON, occurredAt, emittedAt string) error {
	var err error
	if it.Labels, err = unmarshalLabels(labelsJSON); err != nil {
		return err
	}
	if it.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt); err != nil {
		return fmt.Errorf("bad occurred_at: %w", err)
	}
	if it.EmittedAt, err = time.Parse(time.RFC3339Nano, emittedAt); err != nil {
		return fmt.Errorf("bad emitted_at: %w", err)
	}
	return nil
}
