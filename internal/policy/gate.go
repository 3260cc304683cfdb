// Package policy implements the promotion gate: a pure decision
// function over a proposal's branch, CI status, labels, and action.
//
// The gate performs no I/O and has no side effects; the promoter is
// responsible for acting on the decision and auditing it.
package policy

import (
	"strings"

	"github.com/provenir/imcore/internal/event"
)

// Kind classifies a gate decision.
type Kind int

const (
	// Promote accepts the proposal for versioning.
	Promote Kind = iota + 1
	// Skip rejects the proposal terminally. Audited, acknowledged,
	// never retried.
	Skip
	// Defer signals a transient condition: do not mutate state, do not
	// mark seen, leave the message for redelivery. No current rule
	// returns Defer; the type exists so a future rule can.
	Defer
)

// String returns the audit-facing name of the kind.
func (k Kind) String() string {
	switch k {
	case Promote:
		return "promote"
	case Skip:
		return "skip"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Action is the mutation a promoted proposal requests.
type Action int

const (
	// Upsert creates or updates active content.
	Upsert Action = iota + 1
	// Retract deactivates content.
	Retract
)

// String returns the wire name of the action.
func (a Action) String() string {
	if a == Retract {
		return "retract"
	}
	return "upsert"
}

// Decision is the outcome of evaluating one proposal.
type Decision struct {
	Kind   Kind
	Action Action
	Reason string
}

// Reason codes recorded in the audit trail for skipped proposals.
const (
	ReasonBranchNotMain = "branch:not-main"
	ReasonExperimental  = "experimental"
	ReasonCINotGreen    = "ci:not-green"
	ReasonSkipOther     = "skip:other"
)

// Evaluate applies the gate rules in fixed priority order:
//
//  1. Resolve the action: explicit field, else the Memo-Action
//     trailer, else upsert.
//  2. Non-main branch -> Skip.
//  3. "experimental" label -> Skip.
//  4. CI status present and neither "green" nor "n/a" -> Skip.
//  5. Otherwise -> Promote.
func Evaluate(p event.ProposalEvent) Decision {
	action := resolveAction(p)

	if !isMainBranch(p.Source.Ref) {
		return Decision{Kind: Skip, Action: action, Reason: "non-main branch"}
	}
	if p.HasLabel("experimental") {
		return Decision{Kind: Skip, Action: action, Reason: "experimental content"}
	}
	if ci := p.CI; ci != "" && !strings.EqualFold(ci, "green") && !strings.EqualFold(ci, "n/a") {
		return Decision{Kind: Skip, Action: action, Reason: "ci=" + ci}
	}
	return Decision{Kind: Promote, Action: action}
}

// ReasonCode maps a skip decision to its audit reason code.
func ReasonCode(d Decision) string {
	switch {
	case d.Reason == "non-main branch":
		return ReasonBranchNotMain
	case d.Reason == "experimental content":
		return ReasonExperimental
	case strings.HasPrefix(d.Reason, "ci="):
		return ReasonCINotGreen
	default:
		return ReasonSkipOther
	}
}

func resolveAction(p event.ProposalEvent) Action {
	text := p.Action
	if text == "" {
		text = p.Trailers[event.ActionTrailer]
	}
	if strings.EqualFold(text, "retract") {
		return Retract
	}
	return Upsert
}

// isMainBranch reports whether ref names the main or master branch,
// either bare ("main") or fully qualified ("refs/heads/main").
func isMainBranch(ref string) bool {
	r := strings.ToLower(strings.TrimSpace(ref))
	if r == "" {
		return false
	}
	return r == "main" || r == "master" ||
		strings.HasSuffix(r, "/main") || strings.HasSuffix(r, "/master")
}
