package promoter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/store"
)

// The audit trail is best-effort: it must never fail a promotion that
// already committed. Failures to record are logged and dropped.

// auditPromotion records an accepted promotion with its delta linkage.
func (p *Promoter) auditPromotion(ctx context.Context, res Result, d event.DeltaEvent, seq int64, inputSubject string, receivedAt time.Time, priorVersion int64, priorHash string) {
	newVersion := res.NewVersion
	action := "upsert"
	if d.IsRetract() {
		action = "retract"
	}
	publishedAt := p.clock.Now()
	dec := event.AuditDecision{
		DecisionID:    p.ids.NewID(),
		Ns:            res.Ns,
		ItemID:        res.ItemID,
		InputEventID:  d.InputEventID,
		Action:        action,
		ReasonCode:    ReasonOK,
		PolicyVersion: d.PolicyVersion,
		InputSubject:  inputSubject,
		InputHash:     d.InputHash,
		PriorVersion:  priorVersion,
		PriorHash:     priorHash,
		NewVersion:    &newVersion,
		IsSameHash:    false,
		DeltaType:     d.Type,
		DeltaSubject:  event.DeltaSubject(d.Ns, d.Type),
		DeltaMsgID:    d.MsgID(),
		DeltaSeq:      &seq,
		ReceivedAt:    receivedAt,
		DecidedAt:     d.OccurredAt,
		PublishedAt:   &publishedAt,
		LatencyMs:     d.OccurredAt.Sub(receivedAt).Milliseconds(),
		EmittedAt:     publishedAt,
	}
	p.recordAudit(ctx, dec)
}

// auditUnchanged records a content-identical upsert no-op.
func (p *Promoter) auditUnchanged(ctx context.Context, res Result, pr promotion, prior *store.Item) {
	var priorVersion int64
	var priorHash string
	if prior != nil {
		priorVersion = prior.Version
		priorHash = prior.ContentHash
	}
	decidedAt := p.clock.Now()
	dec := event.AuditDecision{
		DecisionID:    p.ids.NewID(),
		Ns:            res.Ns,
		ItemID:        res.ItemID,
		InputEventID:  pr.inputEventID,
		Action:        pr.action.String(),
		ReasonCode:    ReasonUnchanged,
		PolicyVersion: pr.policyVersion,
		InputSubject:  pr.inputSubject,
		InputHash:     pr.inputHash,
		PriorVersion:  priorVersion,
		PriorHash:     priorHash,
		IsSameHash:    true,
		ReceivedAt:    pr.receivedAt,
		DecidedAt:     decidedAt,
		LatencyMs:     decidedAt.Sub(pr.receivedAt).Milliseconds(),
		EmittedAt:     decidedAt,
	}
	p.recordAudit(ctx, dec)
}

// auditNoop records any other terminal non-promoting decision: policy
// skips, duplicates, admin conflicts, already-deleted deletes.
func (p *Promoter) auditNoop(ctx context.Context, res Result, inputEventID, subject, inputHash, detail string, receivedAt time.Time, prior *store.Item) {
	var priorVersion int64
	var priorHash string
	if prior != nil {
		priorVersion = prior.Version
		priorHash = prior.ContentHash
	}
	decidedAt := p.clock.Now()
	dec := event.AuditDecision{
		DecisionID:    p.ids.NewID(),
		Ns:            res.Ns,
		ItemID:        res.ItemID,
		InputEventID:  inputEventID,
		Action:        "skip",
		ReasonCode:    res.ReasonCode,
		ReasonDetail:  detail,
		PolicyVersion: p.policyVersion,
		InputSubject:  subject,
		InputHash:     inputHash,
		PriorVersion:  priorVersion,
		PriorHash:     priorHash,
		IsSameHash:    false,
		ReceivedAt:    receivedAt,
		DecidedAt:     decidedAt,
		LatencyMs:     decidedAt.Sub(receivedAt).Milliseconds(),
		EmittedAt:     decidedAt,
	}
	p.recordAudit(ctx, dec)
}

// recordAudit publishes the decision event and inserts the row. Both
// are outside the promotion transaction on purpose.
func (p *Promoter) recordAudit(ctx context.Context, dec event.AuditDecision) {
	payload, err := json.Marshal(dec)
	if err != nil {
		p.logger.Warn("audit encode failed", "decision_id", dec.DecisionID, "error", err)
		return
	}
	if _, err := p.log.Publish(ctx, event.AuditSubject(dec.Ns), "audit:"+dec.DecisionID, payload); err != nil {
		p.logger.Warn("audit publish failed", "decision_id", dec.DecisionID, "error", err)
	}
	if err := p.store.InsertAudit(ctx, dec); err != nil {
		p.logger.Warn("audit insert failed", "decision_id", dec.DecisionID, "error", err)
	}
}
