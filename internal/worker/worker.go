// Package worker runs a durable consumer as a supervised loop:
// fetch one message, hand it to the handler, settle it by the
// handler's disposition, repeat. One message is in flight at a time,
// so handlers see the log strictly in order.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/provenir/imcore/internal/stream"
)

// Disposition tells the loop how to settle a handled message.
type Disposition int

const (
	// Ack settles the message; the consumer moves past it.
	Ack Disposition = iota
	// Nak leaves the message unsettled for redelivery. Used for
	// transient failures the next attempt may clear.
	Nak
)

// Handler processes one message. The returned disposition decides
// settlement; the error is logged but does not stop the loop.
type Handler func(ctx context.Context, msg *stream.Msg) (Disposition, error)

// DefaultRetryDelay spaces out redeliveries of a nakked message so a
// persistently failing handler does not spin.
const DefaultRetryDelay = 100 * time.Millisecond

// Worker drives a Handler over a durable consumer.
type Worker struct {
	name       string
	consumer   *stream.Consumer
	handler    Handler
	log        *slog.Logger
	retryDelay time.Duration
}

// New creates a worker. A nil logger discards output.
func New(name string, consumer *stream.Consumer, handler Handler, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		name:       name,
		consumer:   consumer,
		handler:    handler,
		log:        log.With("worker", name),
		retryDelay: DefaultRetryDelay,
	}
}

// Run processes messages until ctx is cancelled. Cancellation between
// messages is clean; a message being handled when ctx fires is either
// settled or redelivered on the next run, never lost.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	for {
		msg, err := w.consumer.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.log.Info("worker stopped")
				return nil
			}
			return err
		}
		if err := w.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// Drain processes messages until the log has no more matching the
// consumer's filter, then returns how many were handled. Used by the
// scenario harness and tests, where "caught up" is a meaningful stop.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	handled := 0
	for {
		msg, err := w.consumer.TryFetch(ctx)
		if err != nil {
			return handled, err
		}
		if msg == nil {
			return handled, nil
		}
		if err := w.handle(ctx, msg); err != nil {
			return handled, err
		}
		handled++
	}
}

func (w *Worker) handle(ctx context.Context, msg *stream.Msg) error {
	disp, err := w.handler(ctx, msg)
	if err != nil {
		w.log.Warn("handler error",
			"seq", msg.Seq, "subject", msg.Subject, "error", err)
	}
	switch disp {
	case Ack:
		if err := msg.Ack(ctx); err != nil {
			return err
		}
	case Nak:
		msg.Nak()
		w.log.Debug("message nakked for redelivery", "seq", msg.Seq, "subject", msg.Subject)
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
		}
	}
	return nil
}
