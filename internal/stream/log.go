// Package stream provides the durable, ordered, at-least-once message
// log the promoter and projector communicate through.
//
// The log is an append-only SQLite table. It offers the transport
// contract the core depends on and nothing more:
//
//   - ordered delivery of messages published to the same subject
//   - at-least-once redelivery until a message is acknowledged
//   - publish-side deduplication by deterministic message identity
//   - durable consumers with a persisted cursor, and ephemeral
//     readers that always start from position 1 and leave no state
//
// Broker-grade features (retention policies, dead-lettering, fan-out
// scaling) are deliberately absent; they belong to a real broker.
package stream

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Log is an append-only message log backed by SQLite.
// Safe for use by one writer and multiple readers (WAL mode).
type Log struct {
	db *sql.DB
}

// PubAck reports the result of a publish.
type PubAck struct {
	Seq       int64
	Duplicate bool
}

// Open creates or opens the log database at path.
// Idempotent: safe to call against an existing log.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to log database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent publishes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply log schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Publish appends a message to the log.
//
// msgID is the message's deterministic identity. If a message with the
// same id was already published, nothing is appended and the ack
// reports Duplicate with the original sequence. An empty msgID skips
// deduplication.
func (l *Log) Publish(ctx context.Context, subject, msgID string, payload []byte) (PubAck, error) {
	if subject == "" {
		return PubAck{}, errors.New("publish: subject must not be empty")
	}
	if msgID == "" {
		res, err := l.db.ExecContext(ctx, `
			INSERT INTO log_messages (subject, msg_id, payload, published_at)
			VALUES (?, hex(randomblob(16)), ?, ?)
		`, subject, payload, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return PubAck{}, fmt.Errorf("publish: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return PubAck{}, fmt.Errorf("publish: %w", err)
		}
		return PubAck{Seq: seq}, nil
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO log_messages (subject, msg_id, payload, published_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(msg_id) DO NOTHING
	`, subject, msgID, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return PubAck{}, fmt.Errorf("publish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return PubAck{}, fmt.Errorf("publish: %w", err)
	}
	if n == 1 {
		seq, err := res.LastInsertId()
		if err != nil {
			return PubAck{}, fmt.Errorf("publish: %w", err)
		}
		return PubAck{Seq: seq}, nil
	}

	// Duplicate: report the sequence of the original message.
	var seq int64
	err = l.db.QueryRowContext(ctx,
		`SELECT seq FROM log_messages WHERE msg_id = ?`, msgID,
	).Scan(&seq)
	if err != nil {
		return PubAck{}, fmt.Errorf("publish: lookup duplicate: %w", err)
	}
	return PubAck{Seq: seq, Duplicate: true}, nil
}

// LastSeq returns the highest sequence in the log, or 0 if empty.
func (l *Log) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM log_messages`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}
