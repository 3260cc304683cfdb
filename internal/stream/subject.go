package stream

import "strings"

// Match reports whether subject matches filter.
//
// Filters use dot-separated tokens with two wildcards:
//
//	"*"  matches exactly one token
//	">"  matches one or more trailing tokens (must be last)
//
// Examples:
//
//	Match("delta.acme.>", "delta.acme.im.upsert.v1")  == true
//	Match("proposal.*.repo", "proposal.acme.repo")    == true
//	Match("delta.acme.>", "delta.other.im.upsert.v1") == false
func Match(filter, subject string) bool {
	if filter == ">" {
		return subject != ""
	}
	ftoks := strings.Split(filter, ".")
	stoks := strings.Split(subject, ".")

	for i, ft := range ftoks {
		if ft == ">" {
			// Tail wildcard needs at least one remaining token.
			return i < len(stoks)
		}
		if i >= len(stoks) {
			return false
		}
		if ft != "*" && ft != stoks[i] {
			return false
		}
	}
	return len(ftoks) == len(stoks)
}
