package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/bulk"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/merge"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/nlp"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store/storetest"
)

type fakeAnnotator struct {
	mu    sync.Mutex
	calls []string
	resp  nlp.Response
	err   error
	panic bool
}

func (f *fakeAnnotator) Annotate(ctx context.Context, text string) (nlp.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.panic {
		panic("annotation adapter exploded")
	}
	return f.resp, f.err
}

type recordingNotifier struct {
	docs []string
}

func (r *recordingNotifier) Annotated(ctx context.Context, doc store.Document, mode merge.Mode, entities int) {
	r.docs = append(r.docs, doc.ID)
}

func fluResponse() nlp.Response {
	return nlp.Response{
		Shape: nlp.ShapeFlat,
		Entities: nlp.Entities{
			"0": {"id": 0, "type": "disease", "source_value": "flu"},
		},
	}
}

type fixture struct {
	cluster   *storetest.Cluster
	annotator *fakeAnnotator
	notifier  *recordingNotifier
	proc      *Processor
}

func newFixture(t *testing.T, mode merge.Mode, opts Options) *fixture {
	t.Helper()
	cluster := storetest.NewCluster()
	source := cluster.Gateway("notes")
	sink := cluster.Gateway("annotations")
	target := sink
	if mode == merge.ModeSameIndex {
		target = source
	}
	strategy, err := merge.New(mode, merge.Options{
		DocIDField:    "_id",
		PersistFields: []string{"_id", "dates"},
		EntityIDField: "id",
	}, source, sink)
	require.NoError(t, err)

	f := &fixture{
		cluster:   cluster,
		annotator: &fakeAnnotator{resp: fluResponse()},
		notifier:  &recordingNotifier{},
	}
	if opts.TextField == "" {
		opts.TextField = "text"
	}
	f.proc = New(Deps{
		Source:    source,
		Target:    target,
		Annotator: f.annotator,
		Strategy:  strategy,
		Batcher:   bulk.New(target, 100, time.Second, nil),
		Notifier:  f.notifier,
	}, opts)
	return f
}

func TestProcessSkipsMissingOrShortText(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 5, UseBulk: true})
	f.cluster.Put("notes", "empty", map[string]any{"text": nil})
	f.cluster.Put("notes", "short", map[string]any{"text": "flu"})
	f.cluster.Put("notes", "absent", map[string]any{"title": "no body"})
	f.cluster.Put("notes", "number", map[string]any{"text": 123456})

	for _, id := range []string{"empty", "short", "absent", "number"} {
		assert.Equal(t, SkippedNoText, f.proc.Process(context.Background(), id), id)
	}
	assert.Empty(t, f.annotator.calls)
	assert.Zero(t, f.cluster.BulkCalls)
	assert.Empty(t, f.cluster.IDs("annotations"))
}

func TestProcessMinLengthCountsCharacters(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 5, UseBulk: true})
	f.cluster.Put("notes", "d1", map[string]any{"text": "fièvr"})

	assert.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"))
}

func TestProcessEndToEndSeparateOverwrites(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 3, UseBulk: true})
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu", "dates": "2020-01-05"})

	require.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"))
	assert.Equal(t, []string{"doc-d1-ann-0"}, f.cluster.IDs("annotations"))

	rec, ok := f.cluster.Doc("annotations", "doc-d1-ann-0")
	require.True(t, ok)
	assert.Equal(t, "d1", rec["meta._id"])
	assert.Equal(t, "2020-01-05", rec["meta.dates"])
	assert.Equal(t, "disease", rec["nlp.type"])
	assert.Equal(t, "flu", rec["nlp.source_value"])

	require.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"), "the duplicate check is off")
	assert.Equal(t, []string{"doc-d1-ann-0"}, f.cluster.IDs("annotations"))
	assert.Len(t, f.annotator.calls, 2)
	assert.Equal(t, []string{"d1", "d1"}, f.notifier.docs)
}

func TestProcessSkipsAlreadyProcessed(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 3, CheckProcessed: true, UseBulk: true})
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu and cough"})

	require.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"))
	assert.Equal(t, SkippedProcessed, f.proc.Process(context.Background(), "d1"))
	assert.Len(t, f.annotator.calls, 1)
}

func TestProcessNoEntities(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 3, UseBulk: true})
	f.annotator.resp = nlp.Response{}
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu and cough"})

	assert.Equal(t, SkippedNoEntities, f.proc.Process(context.Background(), "d1"))
	assert.Zero(t, f.cluster.BulkCalls)
	assert.Empty(t, f.notifier.docs)
}

func TestProcessMissingDocument(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 3})
	assert.Equal(t, Failed, f.proc.Process(context.Background(), "ghost"))
}

func TestProcessRecoversFromPanic(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 3, UseBulk: true})
	f.annotator.panic = true
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu and cough"})

	assert.NotPanics(t, func() {
		assert.Equal(t, Failed, f.proc.Process(context.Background(), "d1"))
	})
}

func TestProcessBulkConnectionErrorFailsDocument(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 3, UseBulk: true})
	f.cluster.BulkErr = errors.New("connection reset")
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu and cough"})

	assert.Equal(t, Failed, f.proc.Process(context.Background(), "d1"))
	assert.Empty(t, f.notifier.docs)
}

func TestProcessDirectWrites(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 3, UseBulk: false})
	f.annotator.resp.Entities["1"] = nlp.Entity{"id": 1, "type": "symptom"}
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu and cough"})

	require.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"))
	assert.Zero(t, f.cluster.BulkCalls)
	assert.Equal(t, 2, f.cluster.WriteCalls)
	assert.Equal(t, []string{"doc-d1-ann-0", "doc-d1-ann-1"}, f.cluster.IDs("annotations"))
}

func TestProcessDirectWriteErrorsAreLoggedOnly(t *testing.T) {
	f := newFixture(t, merge.ModeSeparate, Options{MinTextLength: 3, UseBulk: false})
	f.cluster.WriteErr = errors.New("mapping conflict")
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu and cough"})

	assert.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"))
	assert.Equal(t, 1, f.cluster.WriteCalls)
}

func TestProcessSameIndexUpdatesSource(t *testing.T) {
	f := newFixture(t, merge.ModeSameIndex, Options{MinTextLength: 3, CheckProcessed: true, UseBulk: true})
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu and cough"})

	require.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"))
	doc, ok := f.cluster.Doc("notes", "d1")
	require.True(t, ok)
	assert.Len(t, doc["annotations"], 1)
	assert.Empty(t, f.cluster.IDs("annotations"))

	assert.Equal(t, SkippedProcessed, f.proc.Process(context.Background(), "d1"))
}

func TestProcessNestedAppendsWithoutDuplicates(t *testing.T) {
	f := newFixture(t, merge.ModeNested, Options{MinTextLength: 3, UseBulk: true})
	f.cluster.Put("notes", "d1", map[string]any{"text": "flu and cough"})

	require.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"))
	require.Equal(t, Annotated, f.proc.Process(context.Background(), "d1"))

	rec, ok := f.cluster.Doc("annotations", "doc_d1_annotations")
	require.True(t, ok)
	assert.Len(t, rec["annotations"], 1)
	assert.Equal(t, "d1", rec["meta._id"])
}
