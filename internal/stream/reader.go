package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Reader is an ephemeral, position-less log reader.
//
// A reader always starts at sequence 1, never persists a cursor, and
// is discarded after use. This is deliberate: replay is stateless and
// must restart from the beginning on every invocation, and concurrent
// readers must not interfere with each other or with any durable
// consumer. The end of the log is snapshotted at construction so a
// reader sees a stable prefix even while publishers keep appending.
type Reader struct {
	log     *Log
	filter  string
	lastSeq int64 // snapshot upper bound, inclusive
	cursor  int64
}

// NewReader opens an ephemeral reader over messages matching filter.
// maxSeq caps the read (0 means read to the end of the log as of now).
func (l *Log) NewReader(ctx context.Context, filter string, maxSeq int64) (*Reader, error) {
	end, err := l.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	if maxSeq > 0 && maxSeq < end {
		end = maxSeq
	}
	return &Reader{log: l, filter: filter, lastSeq: end, cursor: 0}, nil
}

// Next returns the next matching message. ok is false when the reader
// has exhausted its snapshot of the log.
func (r *Reader) Next(ctx context.Context) (Msg, bool, error) {
	for {
		var m Msg
		err := r.log.db.QueryRowContext(ctx, `
			SELECT seq, subject, msg_id, payload
			FROM log_messages
			WHERE seq > ? AND seq <= ?
			ORDER BY seq
			LIMIT 1
		`, r.cursor, r.lastSeq).Scan(&m.Seq, &m.Subject, &m.MsgID, &m.Data)
		if errors.Is(err, sql.ErrNoRows) {
			return Msg{}, false, nil
		}
		if err != nil {
			return Msg{}, false, fmt.Errorf("reader: %w", err)
		}
		r.cursor = m.Seq
		if Match(r.filter, m.Subject) {
			return m, true, nil
		}
	}
}
