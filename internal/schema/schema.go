// Package schema holds the named field mappings that can be applied to the
// collection receiving annotations before a run starts.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

//go:embed profiles/*.json
var profiles embed.FS

// AnnotationsType returns the mapping of a bare annotations field.
func AnnotationsType(nested bool) map[string]any {
	kind := "flattened"
	if nested {
		kind = "nested"
	}
	return map[string]any{"annotations": map[string]any{"type": kind}}
}

// Names lists the available profiles.
func Names() []string {
	entries, err := profiles.ReadDir("profiles")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	slices.Sort(names)
	return names
}

// Profile returns the mapping properties of a named profile. Names are
// matched case-insensitively.
func Profile(name string) (map[string]any, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	data, err := profiles.ReadFile("profiles/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema profile %q (have %s)", name, strings.Join(Names(), ", "))
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decoding schema profile %s: %w", name, err)
	}
	return props, nil
}

// Rebase moves the annotations definition of a profile under field. Profiles
// written for separate-index sinks describe the entity record, which is
// stored under the nlp prefix rather than an annotations array.
func Rebase(props map[string]any, field string) map[string]any {
	def, ok := props["annotations"]
	if !ok || field == "annotations" {
		return props
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k != "annotations" {
			out[k] = v
		}
	}
	out[field] = def
	return out
}

// Nested reports whether the profile declares a nested annotations array.
func Nested(props map[string]any) bool {
	def, _ := props["annotations"].(map[string]any)
	return def["type"] == "nested"
}
