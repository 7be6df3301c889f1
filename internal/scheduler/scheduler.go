// Package scheduler drives a batch run: it prepares the sink schema, walks
// the configured date range one window at a time, resolves the document ids
// of each window and fans them out to a worker pool that is reused across
// windows. In incremental mode a single cycle processes every source
// document that has no record in the sink yet.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/merge"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/processor"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/metrics"
)

// maxIncrementalSlices bounds the slice queries of the incremental id diff.
const maxIncrementalSlices = 3

// Processor runs one document through the pipeline.
type Processor interface {
	Process(ctx context.Context, id string) processor.Outcome
}

// WindowResult is what a Ledger records when a window ends.
type WindowResult struct {
	IDs    int
	Counts Counts
	Err    error
}

// Ledger keeps a durable row per processed window.
type Ledger interface {
	StartWindow(ctx context.Context, runID string, w Window, incremental bool) (int64, error)
	FinishWindow(ctx context.Context, id int64, res WindowResult) error
}

// Checkpointer remembers the end of the last completed window so a
// resumed run can skip what is already done.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (string, error)
	SaveCheckpoint(ctx context.Context, windowEnd string) error
}

// Options configures a run.
type Options struct {
	Batch      config.BatchConfig
	DocIDField string
	Mode       merge.Mode
	Sink       config.SinkMapping
	// Resume skips windows ending at or before the saved checkpoint.
	Resume bool
	// RunID names the run; a random one is generated when empty.
	RunID string
}

// Deps are the collaborators of a run. Ledger, Checkpointer and Metrics are
// optional.
type Deps struct {
	Source       store.Gateway
	Sink         store.Gateway
	Processor    Processor
	Ledger       Ledger
	Checkpointer Checkpointer
	Metrics      *metrics.Metrics
}

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Windows  int
	Skipped  int
	IDs      int
	Counts   Counts
	Duration time.Duration
}

// Scheduler runs batches. A Scheduler is not meant for concurrent runs.
type Scheduler struct {
	deps   Deps
	opts   Options
	layout string
	newID  func() string
	logger *slog.Logger
}

// New creates a Scheduler.
func New(deps Deps, opts Options) (*Scheduler, error) {
	layout, err := batchLayout(opts.Batch)
	if err != nil {
		return nil, err
	}
	if opts.Batch.Incremental && opts.Mode == merge.ModeSameIndex {
		return nil, fmt.Errorf("incremental runs need a separate sink")
	}
	return &Scheduler{
		deps:   deps,
		opts:   opts,
		layout: layout,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "scheduler"),
	}, nil
}

// Run processes the whole batch. Windows run strictly in order; an error
// resolving the ids of a window stops the run.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	runID := s.opts.RunID
	if runID == "" {
		runID = s.newID()
	}
	sum := Summary{RunID: runID, Counts: make(Counts)}
	ctx = logger.WithRunID(ctx, sum.RunID)
	log := logger.FromContext(ctx, s.logger)

	target := s.deps.Sink
	if s.opts.Mode == merge.ModeSameIndex {
		target = s.deps.Source
	}
	if err := PrepareSchema(ctx, target, s.opts.Mode, s.opts.Sink); err != nil {
		return sum, fmt.Errorf("preparing schema: %w", err)
	}

	windows, err := Plan(s.opts.Batch)
	if err != nil {
		return sum, err
	}
	if s.opts.Batch.Incremental {
		windows = []Window{{Start: windows[0].Start, End: windows[len(windows)-1].End}}
	}
	windows, sum.Skipped = s.resume(ctx, windows)

	log.Info("batch run starting",
		"mode", s.opts.Mode.String(),
		"incremental", s.opts.Batch.Incremental,
		"windows", len(windows),
		"skipped_windows", sum.Skipped,
		"threads", s.opts.Batch.Threads,
	)

	pool := NewPool(s.opts.Batch.Threads, s.deps.Processor.Process, s.deps.Metrics)
	defer pool.Close()

	for _, w := range windows {
		ids, counts, err := s.runWindow(ctx, pool, w)
		sum.IDs += ids
		sum.Counts.Add(counts)
		if err != nil {
			sum.Duration = time.Since(started)
			return sum, err
		}
		sum.Windows++
	}

	sum.Duration = time.Since(started)
	log.Info("batch run finished", append([]any{
		"windows", sum.Windows,
		"documents", sum.IDs,
		"duration", sum.Duration.Round(time.Millisecond).String(),
	}, sum.Counts.LogAttrs()...)...)
	return sum, nil
}

func (s *Scheduler) runWindow(ctx context.Context, pool *Pool, w Window) (int, Counts, error) {
	start, end := w.Bounds(s.layout)
	log := logger.FromContext(ctx, s.logger).With("window_start", start, "window_end", end)
	began := time.Now()
	ledgerID := s.startLedger(ctx, w, log)

	var ids []string
	var err error
	if s.opts.Batch.Incremental {
		log.Info("resolving unprocessed document ids")
		ids, err = s.resolveIncrementalIDs(ctx)
	} else {
		log.Info("fetching document ids that match the window")
		ids, err = s.resolveWindowIDs(ctx, start, end)
	}
	if err != nil {
		err = fmt.Errorf("resolving ids for window %s - %s: %w", start, end, err)
		s.finishLedger(ctx, ledgerID, WindowResult{Err: err}, log)
		s.recordWindow("failed", began)
		return 0, nil, err
	}
	log.Info("found documents", "count", len(ids))

	counts, err := pool.Run(ctx, ids)
	res := WindowResult{IDs: len(ids), Counts: counts, Err: err}
	s.finishLedger(ctx, ledgerID, res, log)
	if err != nil {
		s.recordWindow("cancelled", began)
		return len(ids), counts, fmt.Errorf("window %s - %s interrupted: %w", start, end, err)
	}
	s.recordWindow("completed", began)
	if s.deps.Checkpointer != nil && !s.opts.Batch.Incremental {
		if err := s.deps.Checkpointer.SaveCheckpoint(ctx, end); err != nil {
			log.Warn("saving window checkpoint failed", "error", err)
		}
	}
	log.Info("window completed", append([]any{
		"duration", time.Since(began).Round(time.Millisecond).String(),
	}, counts.LogAttrs()...)...)
	return len(ids), counts, nil
}

// resolveWindowIDs returns the source ids whose date field lies in the
// inclusive window.
func (s *Scheduler) resolveWindowIDs(ctx context.Context, start, end string) ([]string, error) {
	b := s.opts.Batch
	return s.deps.Source.ScanIDsByDateRange(ctx, b.DateField, start, end, b.DateFormat)
}

// resolveIncrementalIDs returns the source ids that no sink record refers
// to. Both id spaces are read in parallel slices and unioned per side.
func (s *Scheduler) resolveIncrementalIDs(ctx context.Context) ([]string, error) {
	n := max(1, min(maxIncrementalSlices, s.opts.Batch.Threads*20))
	sinkField := merge.MetaPrefix + s.opts.DocIDField

	var mu sync.Mutex
	source := make(map[string]struct{})
	processed := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for i := range n {
		g.Go(func() error {
			vals, err := s.deps.Source.UniqueValuesSlice(gctx, i, n, "_id")
			if err != nil {
				return fmt.Errorf("source slice %d: %w", i, err)
			}
			mu.Lock()
			maps.Copy(source, vals)
			mu.Unlock()
			return nil
		})
		g.Go(func() error {
			vals, err := s.deps.Sink.UniqueValuesSlice(gctx, i, n, sinkField)
			if err != nil {
				return fmt.Errorf("sink slice %d: %w", i, err)
			}
			mu.Lock()
			maps.Copy(processed, vals)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(source))
	for id := range source {
		if _, done := processed[id]; !done {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	logger.FromContext(ctx, s.logger).Debug("incremental diff",
		"source", len(source),
		"processed", len(processed),
		"pending", len(ids),
	)
	return ids, nil
}

// resume drops the windows a previous run already completed.
func (s *Scheduler) resume(ctx context.Context, windows []Window) ([]Window, int) {
	if !s.opts.Resume || s.deps.Checkpointer == nil || s.opts.Batch.Incremental {
		return windows, 0
	}
	log := logger.FromContext(ctx, s.logger)
	raw, err := s.deps.Checkpointer.Checkpoint(ctx)
	if err != nil {
		log.Warn("reading window checkpoint failed, starting from the beginning", "error", err)
		return windows, 0
	}
	if raw == "" {
		return windows, 0
	}
	done, err := time.Parse(s.layout, raw)
	if err != nil {
		log.Warn("ignoring unreadable window checkpoint", "checkpoint", raw, "error", err)
		return windows, 0
	}
	i := 0
	for i < len(windows) && !windows[i].End.After(done) {
		i++
	}
	if i > 0 {
		log.Info("resuming after checkpoint", "checkpoint", raw, "skipped_windows", i)
	}
	return windows[i:], i
}

func (s *Scheduler) startLedger(ctx context.Context, w Window, log *slog.Logger) int64 {
	if s.deps.Ledger == nil {
		return 0
	}
	id, err := s.deps.Ledger.StartWindow(ctx, logger.RunID(ctx), w, s.opts.Batch.Incremental)
	if err != nil {
		log.Warn("recording window start failed", "error", err)
		return 0
	}
	return id
}

func (s *Scheduler) finishLedger(ctx context.Context, id int64, res WindowResult, log *slog.Logger) {
	if s.deps.Ledger == nil || id == 0 {
		return
	}
	if err := s.deps.Ledger.FinishWindow(context.WithoutCancel(ctx), id, res); err != nil {
		log.Warn("recording window result failed", "error", err)
	}
}

func (s *Scheduler) recordWindow(status string, began time.Time) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.WindowsTotal.WithLabelValues(status).Inc()
	s.deps.Metrics.WindowDuration.Observe(time.Since(began).Seconds())
}
