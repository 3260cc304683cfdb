package promoter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/provenir/imcore/internal/canon"
	"github.com/provenir/imcore/internal/event"
	"github.com/provenir/imcore/internal/policy"
)

// AdminPolicySuffix marks versions written through the admin path in
// their recorded policy version.
const AdminPolicySuffix = "-admin"

// HandleAdmin runs one admin override through the pipeline. Admin
// events bypass the policy gate entirely; the only gate they face is
// optimistic concurrency, and a failed expectedVersion check is
// terminal, never retried.
func (p *Promoter) HandleAdmin(ctx context.Context, subject string, payload []byte) (Result, error) {
	receivedAt := p.clock.Now()

	ev, err := event.DecodeAdmin(payload)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			p.logger.Warn("dropping malformed admin event", "subject", subject, "error", verr)
			return Result{Outcome: Invalid}, nil
		}
		return Result{Outcome: Deferred}, fmt.Errorf("decode admin: %w", err)
	}

	key := ev.EventID
	res := Result{Ns: ev.Ns, ItemID: ev.ItemID}

	seen, err := p.store.HasSeenEvent(ctx, ev.Ns, key)
	if err != nil {
		return deferred(res), err
	}
	if seen {
		res.Outcome = Duplicate
		res.ReasonCode = ReasonDuplicate
		p.auditNoop(ctx, res, key, subject, "", "redelivery of settled event", receivedAt, nil)
		return res, nil
	}

	if done, recovered, err := p.recoverCommitted(ctx, res, key, subject, receivedAt); err != nil {
		return deferred(res), err
	} else if done {
		return recovered, nil
	}

	prior, err := p.store.GetItem(ctx, ev.Ns, ev.ItemID)
	if err != nil {
		return deferred(res), err
	}
	var priorVersion int64
	if prior != nil {
		priorVersion = prior.Version
	}

	if exp := ev.Admin.ExpectedVersion; exp != nil && *exp != priorVersion {
		res.Outcome = Conflict
		res.ReasonCode = ReasonAdminConflict
		detail := "expected version " + strconv.FormatInt(*exp, 10) +
			", current " + strconv.FormatInt(priorVersion, 10)
		p.auditNoop(ctx, res, key, subject, "", detail, receivedAt, prior)
		if err := p.store.MarkSeenEvent(ctx, ev.Ns, key); err != nil {
			return deferred(res), err
		}
		p.logger.Info("admin conflict",
			"ns", ev.Ns, "item_id", ev.ItemID, "user", ev.Admin.UserID,
			"expected", *exp, "current", priorVersion)
		return res, nil
	}

	action := policy.Upsert
	if ev.Action == "delete" {
		action = policy.Retract
		// Only an existing inactive row is the idempotent no-op. A
		// never-promoted item still gets a first, inactive version.
		if prior != nil && !prior.IsActive {
			res.Outcome = Unchanged
			res.ReasonCode = ReasonAlreadyDeleted
			p.auditNoop(ctx, res, key, subject, "", "item already inactive", receivedAt, prior)
			if err := p.store.MarkSeenEvent(ctx, ev.Ns, key); err != nil {
				return deferred(res), err
			}
			return res, nil
		}
	}

	source := ev.Source
	if source.Repo == "" {
		source.Repo = "admin.override"
		source.Ref = "manual"
	}

	pr := promotion{
		ns:            ev.Ns,
		itemID:        ev.ItemID,
		inputEventID:  key,
		inputSubject:  subject,
		inputHash:     canon.ContentHash(ev.ItemID, ev.Title, ev.Content),
		action:        action,
		title:         canon.Canonicalize(ev.Title),
		content:       canon.Canonicalize(ev.Content),
		labels:        ev.Labels,
		policyVersion: p.policyVersion + AdminPolicySuffix,
		source:        source,
		receivedAt:    receivedAt,
	}
	return p.promote(ctx, pr)
}
