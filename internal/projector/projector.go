// Package projector maintains the queryable current/history view of a
// namespace by consuming delta events. It holds no policy: by the time
// a delta exists, the decision is made. Its one job is applying each
// delta exactly once, in order, no matter how many times the log
// delivers it.
package projector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/store"
	"github.com/provenir/imcore/internal/stream"
	"github.com/provenir/imcore/internal/worker"
)

// Projector applies delta events to the projection tables.
type Projector struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a Projector over the given store. A nil logger discards
// output.
func New(st *store.Store, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Projector{store: st, logger: logger.With("component", "projector")}
}

// Apply decodes and applies one delta payload. A malformed payload is
// terminal (nil error, nothing applied): redelivery cannot fix it.
// Returns whether the projection state changed.
func (p *Projector) Apply(ctx context.Context, subject string, payload []byte) (bool, error) {
	d, err := event.DecodeDelta(payload)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			p.logger.Warn("dropping malformed delta", "subject", subject, "error", verr)
			return false, nil
		}
		return false, err
	}

	applied, err := p.store.ApplyDelta(ctx, d)
	if err != nil {
		return false, err
	}
	if applied {
		p.logger.Info("applied delta",
			"ns", d.Ns, "item_id", d.ItemID,
			"type", d.Type, "version", d.NewVersion)
	} else {
		p.logger.Debug("delta ignored",
			"ns", d.Ns, "item_id", d.ItemID,
			"msg_id", d.MsgID())
	}
	return applied, nil
}

// Handler adapts the projector to the worker loop. Store failures nak
// for redelivery; everything else acks.
func (p *Projector) Handler() worker.Handler {
	return func(ctx context.Context, msg *stream.Msg) (worker.Disposition, error) {
		if _, err := p.Apply(ctx, msg.Subject, msg.Data); err != nil {
			return worker.Nak, err
		}
		return worker.Ack, nil
	}
}
