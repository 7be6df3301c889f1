// Package bulk streams write operations to the store in bounded chunks.
package bulk

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/resilience"
)

const (
	DefaultChunkSize = 5000
	DefaultTimeout   = 30 * time.Second
)

// Writer is the store capability the batcher needs.
type Writer interface {
	Bulk(ctx context.Context, ops []store.WriteOperation, timeout time.Duration) (int, error)
}

// Stats summarises one stream.
type Stats struct {
	Submitted int
	Failed    int
	Chunks    int
}

// Batcher groups operations into chunks of at most chunkSize and submits
// them one chunk at a time, each under its own timeout.
type Batcher struct {
	writer    Writer
	chunkSize int
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Batcher; non-positive sizes fall back to the defaults.
func New(writer Writer, chunkSize int, timeout time.Duration, m *metrics.Metrics) *Batcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Batcher{
		writer:    writer,
		chunkSize: chunkSize,
		timeout:   timeout,
		metrics:   m,
		logger:    slog.Default().With("component", "bulk-batcher"),
	}
}

// Write consumes ops. Operations the store rejects are counted and reported
// once at the end; they never stop the stream. A failed request aborts the
// rest of the stream and is returned with the stats gathered so far.
func (b *Batcher) Write(ctx context.Context, ops iter.Seq[store.WriteOperation]) (Stats, error) {
	var stats Stats
	chunk := make([]store.WriteOperation, 0, min(b.chunkSize, 256))
	var streamErr error

	flush := func() bool {
		if len(chunk) == 0 {
			return true
		}
		var failed int
		err := resilience.WithTimeout(ctx, b.timeout, "bulk chunk", func(ctx context.Context) error {
			var err error
			failed, err = b.writer.Bulk(ctx, chunk, b.timeout)
			return err
		})
		stats.Chunks++
		if err != nil {
			streamErr = fmt.Errorf("submitting chunk %d (%d operations): %w", stats.Chunks, len(chunk), err)
			return false
		}
		stats.Submitted += len(chunk)
		stats.Failed += failed
		b.record(len(chunk), failed)
		chunk = chunk[:0]
		return true
	}

	for op := range ops {
		chunk = append(chunk, op)
		if len(chunk) >= b.chunkSize && !flush() {
			break
		}
	}
	if streamErr == nil {
		flush()
	}

	if stats.Failed > 0 {
		b.logger.Warn("failed indexing documents in bulk", "failed", stats.Failed, "submitted", stats.Submitted)
	}
	return stats, streamErr
}

func (b *Batcher) record(submitted, failed int) {
	if b.metrics == nil {
		return
	}
	b.metrics.BulkOperationsTotal.Add(float64(submitted))
	b.metrics.BulkFailuresTotal.Add(float64(failed))
}
