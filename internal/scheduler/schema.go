package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/merge"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
)

// PrepareSchema readies the collection that receives annotations: the sink,
// or the source in same-index mode. A named profile is applied as is. In
// same-index mode without a profile the annotations field is declared only
// when the current mapping lacks it.
func PrepareSchema(ctx context.Context, target store.Gateway, mode merge.Mode, sink config.SinkMapping) error {
	log := slog.Default().With("component", "scheduler", "index", target.IndexName(""))

	if sink.SchemaProfile != "" {
		props, err := schema.Profile(sink.SchemaProfile)
		if err != nil {
			return err
		}
		if mode == merge.ModeSeparate && !schema.Nested(props) {
			props = schema.Rebase(props, strings.TrimSuffix(merge.NLPPrefix, "."))
		}
		if err := target.EnsureMapping(ctx, props); err != nil {
			return fmt.Errorf("applying schema profile %s: %w", sink.SchemaProfile, err)
		}
		log.Info("schema profile applied", "profile", sink.SchemaProfile)
		return nil
	}

	if mode != merge.ModeSameIndex {
		return nil
	}
	mapped, err := target.HasMappedField(ctx, merge.AnnotationsField)
	if err != nil {
		return fmt.Errorf("reading mapping: %w", err)
	}
	if mapped {
		log.Debug("annotations field already mapped")
		return nil
	}
	if err := target.EnsureMapping(ctx, schema.AnnotationsType(sink.UseNestedObjects)); err != nil {
		return fmt.Errorf("declaring annotations field: %w", err)
	}
	log.Info("annotations field declared", "nested", sink.UseNestedObjects)
	return nil
}
