// Package events publishes one annotation event per annotated document.
// Events are buffered in memory and flushed to Kafka in batches, either
// when the buffer fills up or on a timer.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/merge"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/processor"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/logger"
)

// AnnotationEvent is the payload of one event.
type AnnotationEvent struct {
	DocID       string    `json:"doc_id"`
	Index       string    `json:"index"`
	Mode        string    `json:"mode"`
	Entities    int       `json:"entities"`
	RunID       string    `json:"run_id,omitempty"`
	AnnotatedAt time.Time `json:"annotated_at"`
}

// Publisher sends a batch of events.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Collector implements processor.Notifier.
type Collector struct {
	publisher     Publisher
	mu            sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	flushes  sync.WaitGroup
}

var _ processor.Notifier = (*Collector)(nil)

// NewCollector creates a Collector flushing every batchSize events or every
// flushInterval, whichever comes first.
func NewCollector(publisher Publisher, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		publisher:     publisher,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		now:           time.Now,
		logger:        slog.Default().With("component", "event-collector"),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the flush loop until ctx is cancelled or Close is called,
// then flushes what is left with a short deadline.
func (c *Collector) Start(ctx context.Context) {
	c.started.Store(true)
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Flush(ctx)
			case <-ctx.Done():
				c.finalFlush()
				return
			case <-c.stop:
				c.finalFlush()
				return
			}
		}
	}()
	c.logger.Info("event collector started",
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Annotated queues an event for doc.
func (c *Collector) Annotated(ctx context.Context, doc store.Document, mode merge.Mode, entities int) {
	c.Track(AnnotationEvent{
		DocID:       doc.ID,
		Index:       doc.Index,
		Mode:        mode.String(),
		Entities:    entities,
		RunID:       logger.RunID(ctx),
		AnnotatedAt: c.now().UTC(),
	})
}

// Track adds an event to the buffer, flushing in the background once the
// buffer reaches the batch size.
func (c *Collector) Track(ev AnnotationEvent) {
	c.mu.Lock()
	c.buffer = append(c.buffer, kafka.Event{Key: ev.DocID, Value: ev})
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()
	if full {
		c.flushes.Add(1)
		go func() {
			defer c.flushes.Done()
			c.Flush(context.Background())
		}()
	}
}

// Close stops the flush loop, waits for in-flight background flushes and
// publishes whatever is still buffered. It does not depend on the context
// given to Start being cancelled and is safe to call more than once.
func (c *Collector) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
	c.flushes.Wait()
	c.finalFlush()
}

func (c *Collector) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Flush(ctx)
}

// BufferLen returns the number of queued events.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Flush publishes the queued events. A failed batch is put back at the
// head of the buffer, which is capped at three batches.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]kafka.Event, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.publisher.PublishBatch(ctx, batch); err != nil {
		c.logger.Error("event flush failed", "batch_size", len(batch), "error", err)
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if limit := c.batchSize * 3; len(c.buffer) > limit {
			c.logger.Warn("event buffer overflow, events dropped", "dropped", len(c.buffer)-limit)
			c.buffer = c.buffer[:limit]
		}
		c.mu.Unlock()
		return
	}
	c.logger.Debug("events flushed", "events", len(batch))
}
