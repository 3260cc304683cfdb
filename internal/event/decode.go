package event

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaCUE string

// ValidationError reports a payload that failed the strict decode
// step. Not retryable: redelivering the same bytes cannot fix it.
type ValidationError struct {
	Kind    string // schema definition the payload failed against
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Message)
}

var (
	schemaOnce sync.Once
	schemaVal  cue.Value
)

func schema() cue.Value {
	schemaOnce.Do(func() {
		schemaVal = cuecontext.New().CompileString(schemaCUE, cue.Filename("schema.cue"))
	})
	return schemaVal
}

// validate unifies raw JSON bytes with the named schema definition.
func validate(kind, def string, data []byte) error {
	s := schema()
	if err := s.Err(); err != nil {
		return fmt.Errorf("compile event schema: %w", err)
	}
	expr, err := cuejson.Extract(kind, data)
	if err != nil {
		return &ValidationError{Kind: kind, Message: err.Error()}
	}
	v := s.Context().BuildExpr(expr)
	unified := s.LookupPath(cue.ParsePath(def)).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Kind: kind, Message: flattenCUEErrors(err)}
	}
	return nil
}

// DecodeProposal strictly decodes a proposal payload.
// Blank required strings are rejected along with missing fields.
func DecodeProposal(data []byte) (ProposalEvent, error) {
	var p ProposalEvent
	if err := validate("proposal", "#Proposal", data); err != nil {
		return ProposalEvent{}, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ProposalEvent{}, &ValidationError{Kind: "proposal", Message: err.Error()}
	}
	if err := requireNonBlank("proposal", map[string]string{
		"ns":          p.Ns,
		"item_id":     p.ItemID,
		"proposal_id": p.ProposalID,
		"title":       p.Title,
		"content":     p.Content,
	}); err != nil {
		return ProposalEvent{}, err
	}
	return p, nil
}

// DecodeAdmin strictly decodes an admin override payload.
func DecodeAdmin(data []byte) (AdminEvent, error) {
	var a AdminEvent
	if err := validate("admin", "#Admin", data); err != nil {
		return AdminEvent{}, err
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return AdminEvent{}, &ValidationError{Kind: "admin", Message: err.Error()}
	}
	if err := requireNonBlank("admin", map[string]string{
		"ns":       a.Ns,
		"item_id":  a.ItemID,
		"event_id": a.EventID,
	}); err != nil {
		return AdminEvent{}, err
	}
	return a, nil
}

// DecodeDelta strictly decodes a delta payload.
func DecodeDelta(data []byte) (DeltaEvent, error) {
	var d DeltaEvent
	if err := validate("delta", "#Delta", data); err != nil {
		return DeltaEvent{}, err
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return DeltaEvent{}, &ValidationError{Kind: "delta", Message: err.Error()}
	}
	if err := requireNonBlank("delta", map[string]string{
		"ns":             d.Ns,
		"item_id":        d.ItemID,
		"input_event_id": d.InputEventID,
		"policy_version": d.PolicyVersion,
	}); err != nil {
		return DeltaEvent{}, err
	}
	return d, nil
}

// EncodeDelta serializes a delta for publication.
func EncodeDelta(d DeltaEvent) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return b, nil
}

func requireNonBlank(kind string, fields map[string]string) error {
	for name, val := range fields {
		if strings.TrimSpace(val) == "" {
			return &ValidationError{Kind: kind, Message: name + " must not be blank"}
		}
	}
	return nil
}

func flattenCUEErrors(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}
