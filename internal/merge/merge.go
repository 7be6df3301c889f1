// Package merge turns a source document and its annotation entities into
// write operations. Three strategies exist, chosen once per run: flat
// per-entity records, one nested record per document, and in-place
// annotation arrays on the source document.
package merge

import (
	"context"
	"fmt"
	"iter"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/nlp"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
)

// Field name prefixes of flat records.
const (
	MetaPrefix = "meta."
	NLPPrefix  = "nlp."

	// AnnotationsField holds the entity array in the nested and same-index modes.
	AnnotationsField = "annotations"
)

// Mode selects a Strategy.
type Mode int

const (
	ModeSeparate Mode = iota
	ModeNested
	ModeSameIndex
)

func (m Mode) String() string {
	switch m {
	case ModeNested:
		return "nested"
	case ModeSameIndex:
		return "same-index"
	default:
		return "separate"
	}
}

// ModeFromConfig picks the mode the sink mapping asks for. Same-index
// ingest takes precedence over nested objects.
func ModeFromConfig(sink config.SinkMapping) Mode {
	switch {
	case sink.SameIndexIngest:
		return ModeSameIndex
	case sink.UseNestedObjects:
		return ModeNested
	default:
		return ModeSeparate
	}
}

// Options carries the field mapping shared by all strategies.
type Options struct {
	DocIDField    string
	PersistFields []string
	SplitField    string
	EntityIDField string
}

// OptionsFromConfig maps the relevant configuration fields.
func OptionsFromConfig(m config.MappingConfig) Options {
	return Options{
		DocIDField:    m.Source.DocIDField,
		PersistFields: m.Source.PersistFields,
		SplitField:    m.Sink.SplitIndexByField,
		EntityIDField: m.NLP.AnnotationIDField,
	}
}

// Strategy produces the writes for one annotated document.
type Strategy interface {
	// Operations returns the writes for doc. The sequence is produced
	// lazily and may be consumed once.
	Operations(ctx context.Context, doc store.Document, entities nlp.Entities) (iter.Seq[store.WriteOperation], error)
	// AlreadyProcessed reports whether doc carries the mark of an earlier
	// run under this strategy.
	AlreadyProcessed(ctx context.Context, doc store.Document) (bool, error)
	Mode() Mode
}

// New returns the Strategy for mode. source is only written in same-index
// mode; sink is unused there.
func New(mode Mode, opts Options, source, sink store.Gateway) (Strategy, error) {
	if opts.EntityIDField == "" {
		opts.EntityIDField = "id"
	}
	switch mode {
	case ModeSeparate:
		if sink == nil {
			return nil, fmt.Errorf("separate mode needs a sink")
		}
		return &Separate{opts: opts, sink: sink}, nil
	case ModeNested:
		if sink == nil {
			return nil, fmt.Errorf("nested mode needs a sink")
		}
		return &Nested{opts: opts, sink: sink}, nil
	case ModeSameIndex:
		if source == nil {
			return nil, fmt.Errorf("same-index mode needs a source")
		}
		return &SameIndex{source: source}, nil
	}
	return nil, fmt.Errorf("unknown merge mode %d", mode)
}

// DocID returns the value of the document-id field, falling back to the
// store id when the field is "_id" or absent.
func DocID(doc store.Document, field string) string {
	if field != "" && field != "_id" {
		if v, ok := store.Field(doc.Fields, field); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return doc.ID
}

// persisted copies the configured source fields under the meta prefix.
func persisted(doc store.Document, fields []string, into map[string]any) {
	for _, f := range fields {
		if f == "_id" {
			into[MetaPrefix+f] = doc.ID
			continue
		}
		if v, ok := store.Field(doc.Fields, f); ok {
			into[MetaPrefix+f] = v
		}
	}
}

// processedInSink counts sink records whose persisted document id matches
// doc, across split sub-collections when splitting is on.
func processedInSink(ctx context.Context, sink store.Gateway, opts Options, doc store.Document) (bool, error) {
	suffix := ""
	if opts.SplitField != "" {
		suffix = store.WildcardSuffix
	}
	n, err := sink.Count(ctx, suffix, map[string]any{MetaPrefix + opts.DocIDField: DocID(doc, opts.DocIDField)})
	if err != nil {
		return false, fmt.Errorf("checking sink for %s: %w", doc.ID, err)
	}
	return n > 0, nil
}

// entityList returns the entities in index order as JSON-shaped values.
func entityList(entities nlp.Entities) []any {
	out := make([]any, 0, len(entities))
	for _, k := range entities.Keys() {
		out = append(out, map[string]any(entities[k]))
	}
	return out
}

// existingAnnotations reads an annotations array, treating anything that is
// not an array as empty.
func existingAnnotations(fields map[string]any) []any {
	list, _ := fields[AnnotationsField].([]any)
	return list
}
