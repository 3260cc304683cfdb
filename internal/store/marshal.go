package store

import (
	"encoding/json"
	"fmt"
)

// marshalLabels serializes a label set to the JSON array form stored
// in labels_json columns. nil and empty both serialize to "[]" so the
// stored form is stable regardless of how the caller built the slice.
func marshalLabels(labels []string) (string, error) {
	if len(labels) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("marshal labels: %w", err)
	}
	return string(b), nil
}

// unmarshalLabels parses a labels_json column value.
// Returns nil for an empty array so round-trips stay comparable.
func unmarshalLabels(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return labels, nil
}
