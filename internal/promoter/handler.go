package promoter

import (
	"context"
	"strings"

	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/stream"
	"github.com/provenir/imcore/internal/worker"
)

// InputFilter matches every subject the promoter consumes. Proposals
// and admin overrides share one durable consumer so their relative
// order on the log is preserved; anything else on the log (the
// promoter's own delta and audit publishes) is acked untouched.
const InputFilter = ">"

// Handler adapts the promoter to the worker loop: terminal outcomes
// acknowledge, deferred outcomes leave the message for redelivery.
func (p *Promoter) Handler() worker.Handler {
	return func(ctx context.Context, msg *stream.Msg) (worker.Disposition, error) {
		var res Result
		var err error
		switch {
		case event.IsAdminSubject(msg.Subject):
			res, err = p.HandleAdmin(ctx, msg.Subject, msg.Data)
		case strings.HasPrefix(msg.Subject, event.SubjectPrefixProposal):
			res, err = p.HandleProposal(ctx, msg.Subject, msg.Data)
		default:
			return worker.Ack, nil
		}
		if !res.Outcome.Terminal() {
			return worker.Nak, err
		}
		return worker.Ack, err
	}
}
