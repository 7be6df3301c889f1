// Package processor runs one document through the annotation pipeline:
// fetch, validate, duplicate check, annotate, merge, write. Every gate can
// end processing early, and nothing that goes wrong with one document
// escapes Process.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/bulk"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/merge"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/nlp"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/tracing"
)

// Outcome is how processing of one document ended.
type Outcome int

const (
	Annotated Outcome = iota
	SkippedNoText
	SkippedProcessed
	SkippedNoEntities
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Annotated:
		return "annotated"
	case SkippedNoText:
		return "skipped_no_text"
	case SkippedProcessed:
		return "skipped_processed"
	case SkippedNoEntities:
		return "skipped_no_entities"
	default:
		return "failed"
	}
}

// Annotator is the annotation service capability.
type Annotator interface {
	Annotate(ctx context.Context, text string) (nlp.Response, error)
}

// Notifier is told about every annotated document.
type Notifier interface {
	Annotated(ctx context.Context, doc store.Document, mode merge.Mode, entities int)
}

// Options holds the per-document gates.
type Options struct {
	TextField     string
	MinTextLength int
	// CheckProcessed enables the duplicate check gate.
	CheckProcessed bool
	// UseBulk routes writes through the batcher instead of one call each.
	UseBulk bool
}

// Deps are the collaborators of a Processor. Target receives the writes:
// the sink, or the source in same-index mode. Notifier and Metrics are
// optional.
type Deps struct {
	Source    store.Gateway
	Target    store.Gateway
	Annotator Annotator
	Strategy  merge.Strategy
	Batcher   *bulk.Batcher
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

// Processor is safe for concurrent use by the worker pool.
type Processor struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New creates a Processor.
func New(deps Deps, opts Options) *Processor {
	if opts.MinTextLength < 0 {
		opts.MinTextLength = 0
	}
	return &Processor{
		deps:   deps,
		opts:   opts,
		logger: slog.Default().With("component", "processor"),
	}
}

// Process runs document id through every stage and reports the outcome.
func (p *Processor) Process(ctx context.Context, id string) (outcome Outcome) {
	start := time.Now()
	log := logger.FromContext(ctx, p.logger).With("doc_id", id)
	ctx, span := tracing.StartSpan(ctx, "process", id)
	defer func() {
		if r := recover(); r != nil {
			log.Error("unexpected failure while processing document", "panic", fmt.Sprint(r))
			outcome = Failed
		}
		span.End()
		span.SetAttr("outcome", outcome.String())
		span.Log(ctx, log)
		p.record(outcome, time.Since(start))
	}()

	log.Debug("processing document")
	doc, err := p.fetch(ctx, id)
	if err != nil {
		log.Error("fetching document failed", "error", err)
		return Failed
	}

	text, ok := p.text(doc)
	if !ok {
		log.Info("skipping: no content")
		return SkippedNoText
	}

	if p.opts.CheckProcessed {
		done, err := p.deps.Strategy.AlreadyProcessed(ctx, doc)
		if err != nil {
			log.Error("checking processed state failed", "error", err)
			return Failed
		}
		if done {
			log.Info("skipping: document already processed")
			return SkippedProcessed
		}
	}

	res, err := p.annotate(ctx, text)
	if err != nil {
		log.Error("querying annotation service failed", "error", err)
		return Failed
	}
	if res.Empty() {
		log.Error("no annotation entities available in the response payload", "shape", res.Shape.String())
		return SkippedNoEntities
	}

	if err := p.write(ctx, doc, res.Entities, log); err != nil {
		log.Error("writing annotations failed", "error", err)
		return Failed
	}
	if p.deps.Notifier != nil {
		p.deps.Notifier.Annotated(ctx, doc, p.deps.Strategy.Mode(), len(res.Entities))
	}
	log.Info("document annotated", "entities", len(res.Entities))
	return Annotated
}

func (p *Processor) fetch(ctx context.Context, id string) (store.Document, error) {
	ctx, span := tracing.StartChildSpan(ctx, "fetch")
	defer span.End()
	return p.deps.Source.Get(ctx, id)
}

// text returns the document text when it is a string of at least the
// minimum length, counted in characters.
func (p *Processor) text(doc store.Document) (string, bool) {
	raw, ok := store.Field(doc.Fields, p.opts.TextField)
	if !ok || raw == nil {
		return "", false
	}
	text, ok := raw.(string)
	if !ok {
		return "", false
	}
	return text, utf8.RuneCountInString(text) >= p.opts.MinTextLength
}

func (p *Processor) annotate(ctx context.Context, text string) (nlp.Response, error) {
	ctx, span := tracing.StartChildSpan(ctx, "annotate")
	defer span.End()
	return p.deps.Annotator.Annotate(ctx, text)
}

func (p *Processor) write(ctx context.Context, doc store.Document, entities nlp.Entities, log *slog.Logger) error {
	mctx, mspan := tracing.StartChildSpan(ctx, "merge")
	ops, err := p.deps.Strategy.Operations(mctx, doc, entities)
	mspan.End()
	if err != nil {
		return fmt.Errorf("building write operations: %w", err)
	}

	wctx, wspan := tracing.StartChildSpan(ctx, "write")
	defer wspan.End()
	if p.opts.UseBulk && p.deps.Batcher != nil {
		stats, err := p.deps.Batcher.Write(wctx, ops)
		wspan.SetAttr("failed", stats.Failed)
		return err
	}

	failed := 0
	for op := range ops {
		if err := p.deps.Target.Write(wctx, op); err != nil {
			failed++
			log.Error("exception caught while indexing annotation", "record_id", op.ID, "index", op.Index, "error", err)
		}
	}
	wspan.SetAttr("failed", failed)
	return nil
}

func (p *Processor) record(outcome Outcome, d time.Duration) {
	if p.deps.Metrics == nil {
		return
	}
	p.deps.Metrics.DocumentsTotal.WithLabelValues(outcome.String()).Inc()
	p.deps.Metrics.ProcessDuration.Observe(d.Seconds())
}
