package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/provenir/imcore/internal/event"
)

// InsertAudit appends one decision row. Duplicate decision ids are
// ignored so a redelivered input can safely re-record its decision.
func (s *Store) InsertAudit(ctx context.Context, d event.AuditDecision) error {
	var publishedAt any
	if d.PublishedAt != nil {
		publishedAt = d.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_decisions
			(decision_id, ns, item_id, input_event_id, action, reason_code,
			 reason_detail, policy_version, input_subject, input_hash,
			 prior_version, prior_hash, new_version, is_same_hash,
			 delta_type, delta_subject, delta_msg_id, delta_seq,
			 received_at, decided_at, published_at, latency_ms, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (decision_id) DO NOTHING`,
		d.DecisionID, d.Ns, d.ItemID, d.InputEventID, d.Action, d.ReasonCode,
		nullIfEmpty(d.ReasonDetail), d.PolicyVersion, d.InputSubject, d.InputHash,
		d.PriorVersion, nullIfEmpty(d.PriorHash), d.NewVersion, d.IsSameHash,
		nullIfEmpty(d.DeltaType), nullIfEmpty(d.DeltaSubject), nullIfEmpty(d.DeltaMsgID), d.DeltaSeq,
		d.ReceivedAt.UTC().Format(time.RFC3339Nano),
		d.DecidedAt.UTC().Format(time.RFC3339Nano),
		publishedAt, d.LatencyMs,
		d.EmittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", d.DecisionID, err)
	}
	return nil
}

// AuditFilter narrows ListAudit. Zero values mean "no constraint".
type AuditFilter struct {
	ItemID     string
	ReasonCode string
	Limit      int
}

// ListAudit returns decisions for a namespace in decision order
// (oldest first), optionally filtered by item or reason code.
func (s *Store) ListAudit(ctx context.Context, ns string, f AuditFilter) ([]event.AuditDecision, error) {
	q := `
		SELECT decision_id, item_id, input_event_id, action, reason_code,
		       reason_detail, policy_version, input_subject, input_hash,
		       prior_version, prior_hash, new_version, is_same_hash,
		       delta_type, delta_subject, delta_msg_id, delta_seq,
		       received_at, decided_at, published_at, latency_ms, emitted_at
		FROM audit_decisions WHERE ns = ?`
	args := []any{ns}
	if f.ItemID != "" {
		q += ` AND item_id = ?`
		args = append(args, f.ItemID)
	}
	if f.ReasonCode != "" {
		q += ` AND reason_code = ?`
		args = append(args, f.ReasonCode)
	}
	q += ` ORDER BY decided_at, decision_id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit %s: %w", ns, err)
	}
	defer rows.Close()

	var out []event.AuditDecision
	for rows.Next() {
		d := event.AuditDecision{Ns: ns}
		var reasonDetail, priorHash, deltaType, deltaSubject, deltaMsgID sql.NullString
		var newVersion, deltaSeq sql.NullInt64
		var receivedAt, decidedAt, emittedAt string
		var publishedAt sql.NullString
		err := rows.Scan(&d.DecisionID, &d.ItemID, &d.InputEventID, &d.Action, &d.ReasonCode,
			&reasonDetail, &d.PolicyVersion, &d.InputSubject, &d.InputHash,
			&d.PriorVersion, &priorHash, &newVersion, &d.IsSameHash,
			&deltaType, &deltaSubject, &deltaMsgID, &deltaSeq,
			&receivedAt, &decidedAt, &publishedAt, &d.LatencyMs, &emittedAt)
		if err != nil {
			return nil, fmt.Errorf("list audit %s: %w", ns, err)
		}
		d.ReasonDetail = reasonDetail.String
		d.PriorHash = priorHash.String
		d.DeltaType = deltaType.String
		d.DeltaSubject = deltaSubject.String
		d.DeltaMsgID = deltaMsgID.String
		if newVersion.Valid {
			v := newVersion.Int64
			d.NewVersion = &v
		}
		if deltaSeq.Valid {
			v := deltaSeq.Int64
			d.DeltaSeq = &v
		}
		if d.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt); err != nil {
			return nil, fmt.Errorf("list audit %s: bad received_at: %w", ns, err)
		}
		if d.DecidedAt, err = time.Parse(time.RFC3339Nano, decidedAt); err != nil {
			return nil, fmt.Errorf("list audit %s: bad decided_at: %w", ns, err)
		}
		if publishedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, publishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("list audit %s: bad published_at: %w", ns, err)
			}
			d.PublishedAt = &t
		}
		if d.EmittedAt, err = time.Parse(time.RFC3339Nano, emittedAt); err != nil {
			return nil, fmt.Errorf("list audit %s: bad emitted_at: %w", ns, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountAuditByReason returns decision counts per reason code for a
// namespace, for the status report.
func (s *Store) CountAuditByReason(ctx context.Context, ns string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason_code, COUNT(*) FROM audit_decisions WHERE ns = ? GROUP BY reason_code`, ns)
	if err != nil {
		return nil, fmt.Errorf("count audit %s: %w", ns, err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("count audit %s: %w", ns, err)
		}
		counts[code] = n
	}
	return counts, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
