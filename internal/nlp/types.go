package nlp

import (
	"slices"
	"strconv"
)

// Shape tags which payload layout an annotation response used.
type Shape int

const (
	// ShapeNone means no recognised entities payload.
	ShapeNone Shape = iota
	// ShapeStructured is result.annotations.entities, keyed by entity index.
	ShapeStructured
	// ShapeFlat is entities grouped by entity type, flattened on receipt.
	ShapeFlat
)

func (s Shape) String() string {
	switch s {
	case ShapeStructured:
		return "structured"
	case ShapeFlat:
		return "flat-entities"
	default:
		return "none"
	}
}

// Entity is one annotation as returned by the service, after enrichment.
type Entity map[string]any

// Entities is the canonical entity map keyed by entity index.
type Entities map[string]Entity

// Keys returns the entity keys in index order. Numeric keys sort
// numerically and before any non-numeric key.
func (e Entities) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		ai, aErr := strconv.Atoi(a)
		bi, bErr := strconv.Atoi(b)
		switch {
		case aErr == nil && bErr == nil:
			return ai - bi
		case aErr == nil:
			return -1
		case bErr == nil:
			return 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return keys
}

// Response is the merged, normalised answer of every endpoint for one text.
type Response struct {
	Shape    Shape
	Entities Entities
	// Fields holds the merged top-level response fields other than the
	// entity payload itself.
	Fields map[string]any
}

// Empty reports whether the response carries no entities.
func (r Response) Empty() bool {
	return len(r.Entities) == 0
}
