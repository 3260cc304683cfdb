package promoter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/provenir/imcore/internal/canon"
	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/policy"
	"github.com/provenir/imcore/internal/store"
)

// promotion carries everything the shared write path needs to turn an
// accepted input into a version, a delta, and an audit row.
type promotion struct {
	ns            string
	itemID        string
	inputEventID  string
	inputSubject  string
	inputHash     string
	action        policy.Action
	title         string // canonical
	content       string // canonical
	labels        []string
	policyVersion string
	source        event.SourceInfo
	receivedAt    time.Time
}

// HandleProposal runs one proposal event through the full pipeline.
//
// An error return means a transient infrastructure failure (Result is
// Deferred and the message should be redelivered). Every policy-level
// rejection, including a malformed payload, is a nil-error terminal
// Result.
func (p *Promoter) HandleProposal(ctx context.Context, subject string, payload []byte) (Result, error) {
	receivedAt := p.clock.Now()

	ev, err := event.DecodeProposal(payload)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			p.logger.Warn("dropping malformed proposal", "subject", subject, "error", verr)
			return Result{Outcome: Invalid}, nil
		}
		return Result{Outcome: Deferred}, fmt.Errorf("decode proposal: %w", err)
	}

	key := ev.EventKey()
	inputHash := canon.ContentHash(ev.ItemID, ev.Title, ev.Content)
	res := Result{Ns: ev.Ns, ItemID: ev.ItemID}

	seen, err := p.store.HasSeenEvent(ctx, ev.Ns, key)
	if err != nil {
		return deferred(res), err
	}
	if seen {
		res.Outcome = Duplicate
		res.ReasonCode = ReasonDuplicate
		p.auditNoop(ctx, res, key, subject, inputHash, "redelivery of settled event", receivedAt, nil)
		return res, nil
	}

	// Crash recovery: the version committed but the ledger mark never
	// landed. Re-publish the delta (the log deduplicates by msg id),
	// then mark seen.
	if done, recovered, err := p.recoverCommitted(ctx, res, key, subject, receivedAt); err != nil {
		return deferred(res), err
	} else if done {
		return recovered, nil
	}

	gate := policy.Evaluate(ev)
	if gate.Kind == policy.Skip {
		res.Outcome = Skipped
		res.ReasonCode = policy.ReasonCode(gate)
		prior, err := p.store.GetItem(ctx, ev.Ns, ev.ItemID)
		if err != nil {
			return deferred(res), err
		}
		p.auditNoop(ctx, res, key, subject, inputHash, gate.Reason, receivedAt, prior)
		if err := p.store.MarkSeenEvent(ctx, ev.Ns, key); err != nil {
			return deferred(res), err
		}
		return res, nil
	}

	pr := promotion{
		ns:            ev.Ns,
		itemID:        ev.ItemID,
		inputEventID:  key,
		inputSubject:  subject,
		inputHash:     inputHash,
		action:        gate.Action,
		title:         canon.Canonicalize(ev.Title),
		content:       canon.Canonicalize(ev.Content),
		labels:        ev.Labels,
		policyVersion: p.policyVersion,
		source:        ev.Source,
		receivedAt:    receivedAt,
	}
	return p.promote(ctx, pr)
}

// recoverCommitted checks for a version row this event already wrote.
// Returns done=true with the terminal result when recovery handled the
// event.
func (p *Promoter) recoverCommitted(ctx context.Context, res Result, key, subject string, receivedAt time.Time) (bool, Result, error) {
	ver, err := p.store.FindVersionByInputEvent(ctx, res.Ns, res.ItemID, key)
	if err != nil {
		return false, res, err
	}
	if ver == nil {
		return false, res, nil
	}

	item, err := p.store.GetItem(ctx, res.Ns, res.ItemID)
	if err != nil {
		return false, res, err
	}
	if item != nil && item.Version == ver.Version {
		d := p.deltaFromVersion(*ver, item.IsActive)
		seq, err := p.publishDelta(ctx, d)
		if err != nil {
			return false, res, err
		}
		p.logger.Info("recovered unmarked promotion",
			"ns", res.Ns, "item_id", res.ItemID, "version", ver.Version)
		res.Outcome = Promoted
		res.ReasonCode = ReasonOK
		res.NewVersion = ver.Version
		res.Delta = &d
		p.auditPromotion(ctx, res, d, seq, subject, receivedAt, ver.Version-1, "")
	} else {
		// A later event already superseded this version; the delta
		// flowed long ago.
		res.Outcome = Duplicate
		res.ReasonCode = ReasonDuplicate
		p.auditNoop(ctx, res, key, subject, "", "committed version superseded", receivedAt, item)
	}
	if err := p.store.MarkSeenEvent(ctx, res.Ns, key); err != nil {
		return false, res, err
	}
	return true, res, nil
}

// promote is the shared accepted-event write path for proposals and
// admin overrides.
func (p *Promoter) promote(ctx context.Context, pr promotion) (Result, error) {
	res := Result{Ns: pr.ns, ItemID: pr.itemID}

	prior, err := p.store.GetItem(ctx, pr.ns, pr.itemID)
	if err != nil {
		return deferred(res), err
	}

	var priorVersion int64
	var priorHash string
	if prior != nil {
		priorVersion = prior.Version
		priorHash = prior.ContentHash
	}

	switch pr.action {
	case policy.Upsert:
		if prior != nil && prior.IsActive && prior.ContentHash == pr.inputHash {
			res.Outcome = Unchanged
			res.ReasonCode = ReasonUnchanged
			p.auditUnchanged(ctx, res, pr, prior)
			if err := p.store.MarkSeenEvent(ctx, pr.ns, pr.inputEventID); err != nil {
				return deferred(res), err
			}
			return res, nil
		}
	case policy.Retract:
		// Retraction always advances the version, even on an item that
		// is already inactive or was never promoted. It freezes the
		// last known content on the final version rather than blanking
		// it; with no prior row the event's own fields stand.
		if prior != nil {
			pr.title = prior.Title
			pr.content = prior.Content
			pr.labels = prior.Labels
			pr.inputHash = prior.ContentHash
		}
	}

	newVersion := priorVersion + 1
	now := p.clock.Now()

	item := store.Item{
		Ns:            pr.ns,
		ItemID:        pr.itemID,
		Version:       newVersion,
		Title:         pr.title,
		Content:       pr.content,
		Labels:        pr.labels,
		ContentHash:   pr.inputHash,
		IsActive:      pr.action == policy.Upsert,
		PolicyVersion: pr.policyVersion,
		Source:        pr.source,
		UpdatedAt:     now,
	}
	if err := p.store.ApplyPromotion(ctx, store.Promotion{
		Item:         item,
		InputEventID: pr.inputEventID,
		EmittedAt:    now,
	}); err != nil {
		return deferred(res), err
	}

	deltaType := event.TypeUpsert
	if pr.action == policy.Retract {
		deltaType = event.TypeRetract
	}
	d := event.DeltaEvent{
		Type:          deltaType,
		Ns:            pr.ns,
		ItemID:        pr.itemID,
		BaseVersion:   priorVersion,
		NewVersion:    newVersion,
		InputEventID:  pr.inputEventID,
		InputHash:     pr.inputHash,
		PolicyVersion: pr.policyVersion,
		Source:        pr.source,
		OccurredAt:    now,
		EmittedAt:     p.clock.Now(),
	}
	if deltaType == event.TypeUpsert {
		d.Title = pr.title
		d.Content = pr.content
		d.Labels = pr.labels
	}

	seq, err := p.publishDelta(ctx, d)
	if err != nil {
		// The version is committed; the seen mark is not. Redelivery
		// lands in recoverCommitted and re-publishes this exact delta.
		return deferred(res), err
	}

	res.Outcome = Promoted
	res.ReasonCode = ReasonOK
	res.NewVersion = newVersion
	res.Delta = &d
	p.auditPromotion(ctx, res, d, seq, pr.inputSubject, pr.receivedAt, priorVersion, priorHash)

	if err := p.store.MarkSeenEvent(ctx, pr.ns, pr.inputEventID); err != nil {
		return deferred(res), err
	}

	p.logger.Info("promoted",
		"ns", pr.ns, "item_id", pr.itemID,
		"version", newVersion, "type", deltaType)
	return res, nil
}

// publishDelta encodes and publishes a delta under its deterministic
// message id, returning the log sequence it landed at.
func (p *Promoter) publishDelta(ctx context.Context, d event.DeltaEvent) (int64, error) {
	payload, err := event.EncodeDelta(d)
	if err != nil {
		return 0, fmt.Errorf("encode delta: %w", err)
	}
	ack, err := p.log.Publish(ctx, event.DeltaSubject(d.Ns, d.Type), d.MsgID(), payload)
	if err != nil {
		return 0, fmt.Errorf("publish delta %s: %w", d.MsgID(), err)
	}
	if ack.Duplicate {
		p.logger.Debug("delta already on log", "msg_id", d.MsgID(), "seq", ack.Seq)
	}
	return ack.Seq, nil
}

// deltaFromVersion rebuilds the delta a committed version row implies.
func (p *Promoter) deltaFromVersion(v store.ItemVersion, active bool) event.DeltaEvent {
	deltaType := event.TypeUpsert
	if !active {
		deltaType = event.TypeRetract
	}
	d := event.DeltaEvent{
		Type:          deltaType,
		Ns:            v.Ns,
		ItemID:        v.ItemID,
		BaseVersion:   v.Version - 1,
		NewVersion:    v.Version,
		InputEventID:  v.InputEventID,
		InputHash:     v.ContentHash,
		PolicyVersion: v.PolicyVersion,
		Source:        v.Source,
		OccurredAt:    v.EmittedAt,
		EmittedAt:     v.EmittedAt,
	}
	if deltaType == event.TypeUpsert {
		d.Title = v.Title
		d.Content = v.Content
		d.Labels = v.Labels
	}
	return d
}

func deferred(res Result) Result {
	res.Outcome = Deferred
	res.ReasonCode = ReasonDeferTransient
	return res
}
