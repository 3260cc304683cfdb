package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultPollInterval is how often a blocked Fetch re-checks the log
// for new messages. SQLite has no push notification, so consumers
// poll; the interval bounds added delivery latency, not correctness.
const DefaultPollInterval = 25 * time.Millisecond

// Msg is one delivered message. The consumer holds exactly one
// in-flight message at a time: handling within a worker is strictly
// sequential, which is what lets a local transaction stand in for
// cross-event consistency.
type Msg struct {
	Seq     int64
	Subject string
	MsgID   string
	Data    []byte

	consumer *Consumer
	settled  bool
}

// Ack acknowledges the message, durably advancing the consumer cursor
// past it. After Ack the message is never redelivered.
func (m *Msg) Ack(ctx context.Context) error {
	if m.settled {
		return nil
	}
	_, err := m.consumer.log.db.ExecContext(ctx,
		`UPDATE log_consumers SET next_seq = ? WHERE name = ?`,
		m.Seq+1, m.consumer.name,
	)
	if err != nil {
		return fmt.Errorf("ack seq %d: %w", m.Seq, err)
	}
	m.settled = true
	return nil
}

// Nak negatively acknowledges the message. The cursor stays put, so
// the next Fetch redelivers the same message.
func (m *Msg) Nak() {
	m.settled = true
}

// Consumer is a durable subscription over the log. The cursor persists
// across restarts; a consumer created with a name that already exists
// resumes from its last acknowledged position.
type Consumer struct {
	log          *Log
	name         string
	filter       string
	pollInterval time.Duration
}

// Consumer opens (or resumes) a durable consumer. New consumers start
// from the beginning of the log (deliver-all policy).
func (l *Log) Consumer(ctx context.Context, name, filter string) (*Consumer, error) {
	if name == "" {
		return nil, errors.New("consumer: name must not be empty")
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO log_consumers (name, filter, next_seq)
		VALUES (?, ?, 1)
		ON CONFLICT(name) DO UPDATE SET filter = excluded.filter
	`, name, filter)
	if err != nil {
		return nil, fmt.Errorf("consumer %q: %w", name, err)
	}
	return &Consumer{
		log:          l,
		name:         name,
		filter:       filter,
		pollInterval: DefaultPollInterval,
	}, nil
}

// SetPollInterval overrides the Fetch poll interval. Non-positive
// values are ignored.
func (c *Consumer) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// Fetch blocks until the next unacknowledged matching message is
// available or ctx is done. A previously nak'd message is returned
// again: redelivery is the transport's retry mechanism.
func (c *Consumer) Fetch(ctx context.Context) (*Msg, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		msg, err := c.tryFetch(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryFetch returns the next matching message without blocking, or nil
// if the consumer is caught up.
func (c *Consumer) TryFetch(ctx context.Context) (*Msg, error) {
	return c.tryFetch(ctx)
}

func (c *Consumer) tryFetch(ctx context.Context) (*Msg, error) {
	var cursor int64
	err := c.log.db.QueryRowContext(ctx,
		`SELECT next_seq FROM log_consumers WHERE name = ?`, c.name,
	).Scan(&cursor)
	if err != nil {
		return nil, fmt.Errorf("consumer %q: read cursor: %w", c.name, err)
	}

	// Scan forward from the cursor for the first subject match.
	// Non-matching messages below the next match are skipped on every
	// fetch; the cursor itself only moves on Ack.
	rows, err := c.log.db.QueryContext(ctx, `
		SELECT seq, subject, msg_id, payload
		FROM log_messages
		WHERE seq >= ?
		ORDER BY seq
	`, cursor)
	if err != nil {
		return nil, fmt.Errorf("consumer %q: scan: %w", c.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Msg
		if err := rows.Scan(&m.Seq, &m.Subject, &m.MsgID, &m.Data); err != nil {
			return nil, fmt.Errorf("consumer %q: scan row: %w", c.name, err)
		}
		if Match(c.filter, m.Subject) {
			m.consumer = c
			return &m, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consumer %q: iterate: %w", c.name, err)
	}
	return nil, nil
}

// Delete removes the consumer's durable state.
func (c *Consumer) Delete(ctx context.Context) error {
	_, err := c.log.db.ExecContext(ctx,
		`DELETE FROM log_consumers WHERE name = ?`, c.name)
	if err != nil {
		return fmt.Errorf("delete consumer %q: %w", c.name, err)
	}
	return nil
}
