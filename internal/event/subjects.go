package event

import "strings"

// Subject prefixes for the three event families on the log.
const (
	SubjectPrefixProposal = "proposal."
	SubjectPrefixAdmin    = "admin."
	SubjectPrefixDelta    = "delta."
	SubjectPrefixAudit    = "audit."
)

// ProposalSubject builds the routing key for a proposal in the given
// namespace and item scope: proposal.<ns>.<scope>.
func ProposalSubject(ns, scope string) string {
	return SubjectPrefixProposal + ns + "." + scope
}

// AdminSubject builds the routing key for an admin override:
// admin.<action>.<ns>.<itemId>.
func AdminSubject(action, ns, itemID string) string {
	return SubjectPrefixAdmin + action + "." + ns + "." + itemID
}

// DeltaSubject builds the routing key a delta is published on:
// delta.<ns>.<type>, e.g. delta.acme.im.upsert.v1.
func DeltaSubject(ns, deltaType string) string {
	return SubjectPrefixDelta + ns + "." + deltaType
}

// DeltaFilter is the wildcard matching every delta in a namespace.
func DeltaFilter(ns string) string {
	return SubjectPrefixDelta + ns + ".>"
}

// AuditSubject builds the routing key for promoter decisions:
// audit.<ns>.promoter.decision.v1.
func AuditSubject(ns string) string {
	return SubjectPrefixAudit + ns + ".promoter.decision.v1"
}

// IsAdminSubject reports whether a subject belongs to the admin
// family. The promoter worker consumes both proposal and admin
// subjects and dispatches on this.
func IsAdminSubject(subject string) bool {
	return strings.HasPrefix(subject, SubjectPrefixAdmin)
}
