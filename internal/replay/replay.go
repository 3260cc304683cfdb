// Package replay rebuilds a namespace's projection from nothing but
// the delta log and proves it equivalent to the live projection.
//
// A replay run opens a fresh store, reads every delta for the
// namespace from the first log sequence with an ephemeral reader, and
// applies them one committed transaction at a time. Because deltas are
// the sole input, the resulting state hash must equal the live
// projection's hash; Verify checks exactly that.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/store"
	"github.com/provenir/imcore/internal/stream"
)

// Result summarizes one replay run.
type Result struct {
	Ns              string    `json:"ns"`
	EventsProcessed int64     `json:"events_processed"`
	ActiveCount     int64     `json:"active_count"`
	StateHash       string    `json:"state_hash"`
	ElapsedMs       int64     `json:"elapsed_ms"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Engine replays delta logs into throwaway projections.
type Engine struct {
	log    *stream.Log
	logger *slog.Logger
}

// New creates an Engine over the given log. A nil logger discards
// output.
func New(log *stream.Log, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{log: log, logger: logger.With("component", "replay")}
}

// Replay rebuilds the namespace from scratch up to maxSeq (0 means
// the whole log as of the moment the reader opens). The throwaway
// store lives in a temp directory and is removed before return; only
// the Result survives.
func (e *Engine) Replay(ctx context.Context, ns string, maxSeq int64) (Result, error) {
	startedAt := time.Now().UTC()

	dir, err := os.MkdirTemp("", "imcore-replay-*")
	if err != nil {
		return Result{}, fmt.Errorf("replay %s: temp dir: %w", ns, err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "replay.db"))
	if err != nil {
		return Result{}, fmt.Errorf("replay %s: open store: %w", ns, err)
	}
	defer st.Close()

	reader, err := e.log.NewReader(ctx, event.DeltaFilter(ns), maxSeq)
	if err != nil {
		return Result{}, fmt.Errorf("replay %s: open reader: %w", ns, err)
	}

	var processed int64
	for {
		msg, ok, err := reader.Next(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("replay %s: read: %w", ns, err)
		}
		if !ok {
			break
		}

		d, err := event.DecodeDelta(msg.Data)
		if err != nil {
			var verr *event.ValidationError
			if errors.As(err, &verr) {
				// Same poison policy as the live projector: a
				// malformed delta cannot become valid by re-reading.
				e.logger.Warn("skipping malformed delta during replay",
					"seq", msg.Seq, "error", verr)
				continue
			}
			return Result{}, fmt.Errorf("replay %s: decode seq %d: %w", ns, msg.Seq, err)
		}

		if _, err := st.ReplayDelta(ctx, d); err != nil {
			return Result{}, fmt.Errorf("replay %s: apply seq %d: %w", ns, msg.Seq, err)
		}
		processed++
	}

	activeCount, err := st.ActiveCount(ctx, ns)
	if err != nil {
		return Result{}, fmt.Errorf("replay %s: %w", ns, err)
	}
	stateHash, err := st.StateHash(ctx, ns)
	if err != nil {
		return Result{}, fmt.Errorf("replay %s: %w", ns, err)
	}

	completedAt := time.Now().UTC()
	res := Result{
		Ns:              ns,
		EventsProcessed: processed,
		ActiveCount:     activeCount,
		StateHash:       stateHash,
		ElapsedMs:       completedAt.Sub(startedAt).Milliseconds(),
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
	}
	e.logger.Info("replay complete",
		"ns", ns, "events", processed,
		"active", activeCount, "state_hash", stateHash)
	return res, nil
}

// Verification is the outcome of comparing a replay against the live
// projection.
type Verification struct {
	Replay          Result `json:"replay"`
	LiveStateHash   string `json:"live_state_hash"`
	LiveActiveCount int64  `json:"live_active_count"`
	Match           bool   `json:"match"`
}

// Verify replays the namespace and compares the result to the live
// projection in the given store. A mismatch is not an error: callers
// decide how loudly to fail.
func (e *Engine) Verify(ctx context.Context, ns string, live *store.Store) (Verification, error) {
	res, err := e.Replay(ctx, ns, 0)
	if err != nil {
		return Verification{}, err
	}

	liveHash, err := live.StateHash(ctx, ns)
	if err != nil {
		return Verification{}, fmt.Errorf("verify %s: %w", ns, err)
	}
	liveCount, err := live.ActiveCount(ctx, ns)
	if err != nil {
		return Verification{}, fmt.Errorf("verify %s: %w", ns, err)
	}

	v := Verification{
		Replay:          res,
		LiveStateHash:   liveHash,
		LiveActiveCount: liveCount,
		Match:           res.StateHash == liveHash && res.ActiveCount == liveCount,
	}
	if !v.Match {
		e.logger.Warn("replay diverged from live projection",
			"ns", ns,
			"replay_hash", res.StateHash, "live_hash", liveHash,
			"replay_active", res.ActiveCount, "live_active", liveCount)
	}
	return v, nil
}
