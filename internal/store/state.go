package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/provenir/imcore/internal/canon"
)

// ActiveCount returns the number of active items in the projection
// for a namespace.
func (s *Store) ActiveCount(ctx context.Context, ns string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM im_items_current WHERE ns = ? AND is_active = 1`,
		ns).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active count %s: %w", ns, err)
	}
	return n, nil
}

// StateHash computes the projection fingerprint for a namespace: the
// hex SHA-256 of title + "\n" + content concatenated over all active
// items in item-id order. Two projections with the same hash hold the
// same effective state regardless of how they were built.
func (s *Store) StateHash(ctx context.Context, ns string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT title, content FROM im_items_current
		WHERE ns = ? AND is_active = 1
		ORDER BY item_id`, ns)
	if err != nil {
		return "", fmt.Errorf("state hash %s: %w", ns, err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var title, content string
		if err := rows.Scan(&title, &content); err != nil {
			return "", fmt.Errorf("state hash %s: %w", ns, err)
		}
		b.WriteString(title)
		b.WriteString("\n")
		b.WriteString(content)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("state hash %s: %w", ns, err)
	}
	return canon.HexSHA256(b.String()), nil
}
