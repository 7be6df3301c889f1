package merge

import (
	"encoding/json"
	"fmt"
)

// Canonical renders a record in a field-order independent form. Object
// keys are emitted sorted at every depth and equal numbers render equally
// whatever their Go type.
func Canonical(record any) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("canonicalising record: %w", err)
	}
	return string(data), nil
}

// Dedup keeps the first record of every distinct canonical form, in input
// order. Records that cannot be canonicalised are kept as they are.
func Dedup(records []any) []any {
	seen := make(map[string]struct{}, len(records))
	out := make([]any, 0, len(records))
	for _, r := range records {
		key, err := Canonical(r)
		if err != nil {
			out = append(out, r)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
