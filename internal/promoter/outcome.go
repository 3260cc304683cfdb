package promoter

import "github.com/provenir/imcore/internal/event"

// Outcome classifies how an input event was resolved. Every outcome
// except Deferred is terminal: the event is settled and will never
// change state again.
type Outcome int

const (
	// Promoted: the event produced a new version and a delta.
	Promoted Outcome = iota
	// Unchanged: content-identical to the current active version, or a
	// retraction of something already absent. No version, no delta.
	Unchanged
	// Duplicate: the seen ledger already holds the event.
	Duplicate
	// Skipped: rejected by the policy gate.
	Skipped
	// Conflict: admin expectedVersion did not match current state.
	Conflict
	// Invalid: the payload failed strict decode. Not retryable.
	Invalid
	// Deferred: a transient failure; the message should be redelivered.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Promoted:
		return "promoted"
	case Unchanged:
		return "unchanged"
	case Duplicate:
		return "duplicate"
	case Skipped:
		return "skipped"
	case Conflict:
		return "conflict"
	case Invalid:
		return "invalid"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event is settled. Only a Deferred
// outcome warrants redelivery.
func (o Outcome) Terminal() bool { return o != Deferred }

// Result is the full account of one handled input event.
type Result struct {
	Outcome    Outcome
	Ns         string
	ItemID     string
	NewVersion int64 // 0 unless Promoted
	ReasonCode string
	Delta      *event.DeltaEvent // set when a delta was published
}

// Audit reason codes not produced by the policy gate.
const (
	ReasonOK             = "ok"
	ReasonUnchanged      = "unchanged"
	ReasonDuplicate      = "duplicate"
	ReasonDeferTransient = "defer:transient"
	ReasonAdminConflict  = "admin.conflict"
	ReasonAlreadyDeleted = "admin.already_deleted"
)
