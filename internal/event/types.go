// Package event defines the typed wire events of the instruction-memory
// core and their strict decode step.
//
// Three event families flow through the system:
//
//   - ProposalEvent: untrusted input requesting a content change,
//     subject to policy evaluation.
//   - AdminEvent: administrative override carrying its own metadata
//     (optimistic-concurrency expected version, bypass flag).
//   - DeltaEvent: the canonical post-policy output, the sole input to
//     projections and replay.
//
// Decoding is strict: a payload either yields a fully-populated typed
// event or a *ValidationError. Structs are never partially populated
// with defaults that mask missing required fields.
package event

import (
	"strconv"
	"strings"
	"time"
)

// Event type discriminators as they appear on the wire.
const (
	TypeProposal = "im.proposal.v1"
	TypeAdmin    = "im.admin.v1"
	TypeUpsert   = "im.upsert.v1"
	TypeRetract  = "im.retract.v1"
)

// ActionTrailer is the trailer key that overrides a proposal's action
// when no explicit "action" field is present.
const ActionTrailer = "Memo-Action"

// SourceInfo records the provenance of a proposal or delta.
type SourceInfo struct {
	Repo    string `json:"repo"`
	Ref     string `json:"ref"`
	Path    string `json:"path"`
	BlobSha string `json:"blob_sha"`
}

// ProposalEvent is an untrusted input event (repository webhook or
// seeded submission) proposing an item change.
type ProposalEvent struct {
	EventType  string            `json:"event_type"`
	Ns         string            `json:"ns"`
	ItemID     string            `json:"item_id"`
	ProposalID string            `json:"proposal_id"`
	CI         string            `json:"ci,omitempty"`
	Action     string            `json:"action,omitempty"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Labels     []string          `json:"labels,omitempty"`
	Trailers   map[string]string `json:"trailers,omitempty"`
	Source     SourceInfo        `json:"source"`
	EmittedAt  time.Time         `json:"emitted_at"`
}

// EventKey is the idempotency-ledger key for this proposal.
// Content-addressable: the same submission always maps to the same key.
func (p ProposalEvent) EventKey() string {
	return p.ProposalID + "-" + p.ItemID
}

// HasLabel reports whether the proposal carries the given label
// (case-insensitive).
func (p ProposalEvent) HasLabel(label string) bool {
	for _, l := range p.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// AdminMetadata is the admin-specific envelope block.
type AdminMetadata struct {
	UserID          string `json:"user_id"`
	Reason          string `json:"reason,omitempty"`
	BypassReview    bool   `json:"bypass_review"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// AdminEvent is an administrative override. It bypasses the policy
// gate entirely; the only gate it faces is optimistic concurrency.
type AdminEvent struct {
	EventType  string        `json:"event_type"`
	Ns         string        `json:"ns"`
	ItemID     string        `json:"item_id"`
	EventID    string        `json:"event_id"`
	Action     string        `json:"action"` // create | update | delete
	Title      string        `json:"title,omitempty"`
	Content    string        `json:"content,omitempty"`
	Labels     []string      `json:"labels,omitempty"`
	Admin      AdminMetadata `json:"admin_metadata"`
	Source     SourceInfo    `json:"source"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// DeltaEvent is the canonical accepted-change event published by the
// promoter and consumed by the projector and the replay engine.
type DeltaEvent struct {
	Type          string     `json:"type"` // im.upsert.v1 | im.retract.v1
	Ns            string     `json:"ns"`
	ItemID        string     `json:"item_id"`
	BaseVersion   int64      `json:"base_version"`
	NewVersion    int64      `json:"new_version"`
	Title         string     `json:"title,omitempty"`
	Content       string     `json:"content,omitempty"`
	Labels        []string   `json:"labels,omitempty"`
	InputEventID  string     `json:"input_event_id"`
	InputHash     string     `json:"input_hash,omitempty"`
	PolicyVersion string     `json:"policy_version"`
	Source        SourceInfo `json:"source"`
	OccurredAt    time.Time  `json:"occurred_at"`
	EmittedAt     time.Time  `json:"emitted_at"`
}

// IsUpsert reports whether the delta activates content.
func (d DeltaEvent) IsUpsert() bool { return d.Type == TypeUpsert }

// IsRetract reports whether the delta deactivates content.
func (d DeltaEvent) IsRetract() bool { return d.Type == TypeRetract }

// MsgID is the deterministic transport message identity of the delta.
// Re-publishing the identical delta after a crash is recognized as a
// duplicate by the log itself, independent of any application ledger.
func (d DeltaEvent) MsgID() string {
	return "delta:" + d.Ns + ":" + d.ItemID + ":v" + strconv.FormatInt(d.NewVersion, 10) + ":" + d.Type
}

// AuditDecision is the append-only record of one evaluated proposal or
// admin event, written for every decision kind including skips and
// conflicts.
type AuditDecision struct {
	DecisionID    string     `json:"decision_id"`
	Ns            string     `json:"ns"`
	ItemID        string     `json:"item_id"`
	InputEventID  string     `json:"input_event_id"`
	Action        string     `json:"action"` // upsert | retract | skip | defer
	ReasonCode    string     `json:"reason_code"`
	ReasonDetail  string     `json:"reason_detail,omitempty"`
	PolicyVersion string     `json:"policy_version"`
	InputSubject  string     `json:"input_subject"`
	InputHash     string     `json:"input_hash"`
	PriorVersion  int64      `json:"prior_version"`
	PriorHash     string     `json:"prior_hash,omitempty"`
	NewVersion    *int64     `json:"new_version,omitempty"`
	IsSameHash    bool       `json:"is_same_hash"`
	DeltaType     string     `json:"delta_type,omitempty"`
	DeltaSubject  string     `json:"delta_subject,omitempty"`
	DeltaMsgID    string     `json:"delta_msg_id,omitempty"`
	DeltaSeq      *int64     `json:"delta_seq,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	DecidedAt     time.Time  `json:"decided_at"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	LatencyMs     int64      `json:"latency_ms"`
	EmittedAt     time.Time  `json:"emitted_at"`
}
