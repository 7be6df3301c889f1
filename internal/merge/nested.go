package merge

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/nlp"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
)

// Nested keeps one sink record per document holding every entity in an
// annotations array. New entities are unioned with the stored ones.
type Nested struct {
	opts Options
	sink store.Gateway
}

func (n *Nested) Mode() Mode { return ModeNested }

func (n *Nested) AlreadyProcessed(ctx context.Context, doc store.Document) (bool, error) {
	return processedInSink(ctx, n.sink, n.opts, doc)
}

// RecordID is the id of the nested record for a document id.
func RecordID(docID string) string {
	return fmt.Sprintf("doc_%s_annotations", docID)
}

func (n *Nested) Operations(ctx context.Context, doc store.Document, entities nlp.Entities) (iter.Seq[store.WriteOperation], error) {
	id := RecordID(DocID(doc, n.opts.DocIDField))
	index := n.sink.IndexName("")

	var op store.WriteOperation
	existing, err := n.sink.Get(ctx, id)
	switch {
	case err == nil:
		merged := Dedup(append(entityList(entities), existingAnnotations(existing.Fields)...))
		op = store.WriteOperation{
			Type:  store.OpUpdate,
			Index: index,
			ID:    id,
			Body:  map[string]any{AnnotationsField: merged},
		}
	case errors.Is(err, apperrors.ErrDocumentNotFound):
		body := map[string]any{AnnotationsField: Dedup(entityList(entities))}
		persisted(doc, n.opts.PersistFields, body)
		op = store.WriteOperation{
			Type:  store.OpIndex,
			Index: index,
			ID:    id,
			Body:  body,
		}
	default:
		return nil, fmt.Errorf("fetching nested record %s: %w", id, err)
	}
	return single(op), nil
}

func single(op store.WriteOperation) iter.Seq[store.WriteOperation] {
	return func(yield func(store.WriteOperation) bool) {
		yield(op)
	}
}
