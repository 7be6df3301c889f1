package merge

import (
	"context"
	"fmt"
	"iter"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/nlp"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
)

// Separate writes one flat record per entity. Record ids are derived from
// the document and entity ids, so writing the same entity again overwrites
// the earlier record.
type Separate struct {
	opts Options
	sink store.Gateway
}

func (s *Separate) Mode() Mode { return ModeSeparate }

func (s *Separate) AlreadyProcessed(ctx context.Context, doc store.Document) (bool, error) {
	return processedInSink(ctx, s.sink, s.opts, doc)
}

func (s *Separate) Operations(ctx context.Context, doc store.Document, entities nlp.Entities) (iter.Seq[store.WriteOperation], error) {
	docID := DocID(doc, s.opts.DocIDField)
	return func(yield func(store.WriteOperation) bool) {
		for _, key := range entities.Keys() {
			if !yield(s.record(doc, docID, key, entities[key])) {
				return
			}
		}
	}, nil
}

func (s *Separate) record(doc store.Document, docID, key string, ent nlp.Entity) store.WriteOperation {
	body := make(map[string]any, len(s.opts.PersistFields)+len(ent))
	persisted(doc, s.opts.PersistFields, body)
	for field, v := range ent {
		body[NLPPrefix+field] = v
	}

	index := s.sink.IndexName("")
	if s.opts.SplitField != "" {
		if v, ok := ent[s.opts.SplitField]; ok && v != nil {
			index = s.sink.IndexName(fmt.Sprint(v))
		}
	}

	entityID := key
	if v, ok := ent[s.opts.EntityIDField]; ok && v != nil {
		entityID = fmt.Sprint(v)
	}
	return store.WriteOperation{
		Type:  store.OpIndex,
		Index: index,
		ID:    fmt.Sprintf("doc-%s-ann-%s", docID, entityID),
		Body:  body,
	}
}
