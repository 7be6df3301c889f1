// Package store is the Document Store Gateway: the operations the pipeline
// needs from the search cluster holding the source and sink collections.
// A Gateway is bound to one base collection; split sinks address their
// sub-collections through IndexName.
package store

import (
	"context"
	"time"
)

// OpType tags a WriteOperation.
type OpType string

const (
	// OpIndex creates or overwrites the whole record.
	OpIndex OpType = "index"
	// OpUpdate replaces only the fields present in Body.
	OpUpdate OpType = "update"
)

// WriteOperation is one write produced by a merge strategy. An empty ID on
// an index operation lets the store assign one.
type WriteOperation struct {
	Type  OpType
	Index string
	ID    string
	Body  map[string]any
}

// Document is a record read from a collection.
type Document struct {
	ID     string
	Index  string
	Fields map[string]any
}

// Gateway is the set of store operations the pipeline depends on.
type Gateway interface {
	// Get fails with errors.ErrDocumentNotFound when id is absent.
	Get(ctx context.Context, id string) (Document, error)
	// ScanIDsByDateRange returns ids whose field lies in [start, end]; both
	// bounds are inclusive and expressed in format.
	ScanIDsByDateRange(ctx context.Context, field, start, end, format string) ([]string, error)
	ScanAllIDs(ctx context.Context) ([]string, error)
	// Count returns the number of records matching criteria in the
	// collection addressed by suffix, or 0 when it does not exist.
	Count(ctx context.Context, suffix string, criteria map[string]any) (int, error)
	// UniqueValuesSlice returns the distinct values of field in slice
	// number slice of total disjoint slices. The field "_id" yields ids.
	UniqueValuesSlice(ctx context.Context, slice, total int, field string) (map[string]struct{}, error)
	// Bulk submits ops in one request and returns how many the store
	// rejected. A non-nil error means the request itself failed.
	Bulk(ctx context.Context, ops []WriteOperation, timeout time.Duration) (int, error)
	Write(ctx context.Context, op WriteOperation) error
	HasMappedField(ctx context.Context, field string) (bool, error)
	// EnsureMapping creates the collection if needed and adds properties
	// to its mapping.
	EnsureMapping(ctx context.Context, properties map[string]any) error
	IndexName(suffix string) string
	Ping(ctx context.Context) error
}

// Field looks up path in fields, first as a literal key and then as a
// dot-separated path through nested objects.
func Field(fields map[string]any, path string) (any, bool) {
	if v, ok := fields[path]; ok {
		return v, true
	}
	var cur any = fields
	for _, part := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}
