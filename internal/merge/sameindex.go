package merge

import (
	"context"
	"iter"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/nlp"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
)

// SameIndex appends entities to the source document's own annotations
// array. Nothing is written to a sink.
type SameIndex struct {
	source store.Gateway
}

func (s *SameIndex) Mode() Mode { return ModeSameIndex }

// AlreadyProcessed is true once the document carries a non-empty
// annotations array.
func (s *SameIndex) AlreadyProcessed(ctx context.Context, doc store.Document) (bool, error) {
	return len(existingAnnotations(doc.Fields)) > 0, nil
}

func (s *SameIndex) Operations(ctx context.Context, doc store.Document, entities nlp.Entities) (iter.Seq[store.WriteOperation], error) {
	merged := Dedup(append(entityList(entities), existingAnnotations(doc.Fields)...))
	return single(store.WriteOperation{
		Type:  store.OpUpdate,
		Index: s.source.IndexName(""),
		ID:    doc.ID,
		Body:  map[string]any{AnnotationsField: merged},
	}), nil
}
