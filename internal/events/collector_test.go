package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/merge"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/logger"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *fakePublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func (p *fakePublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestAnnotatedBuildsEvent(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 10, time.Hour)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	ctx := logger.WithRunID(context.Background(), "run-1")
	c.Annotated(ctx, store.Document{ID: "d1", Index: "docs"}, merge.ModeNested, 3)
	c.Flush(ctx)

	require.Len(t, pub.batches, 1)
	ev := pub.batches[0][0]
	assert.Equal(t, "d1", ev.Key)
	assert.Equal(t, AnnotationEvent{
		DocID:       "d1",
		Index:       "docs",
		Mode:        "nested",
		Entities:    3,
		RunID:       "run-1",
		AnnotatedAt: at,
	}, ev.Value)
}

func TestTrackFlushesFullBatch(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 2, time.Hour)

	c.Track(AnnotationEvent{DocID: "a"})
	assert.Equal(t, 1, c.BufferLen())
	c.Track(AnnotationEvent{DocID: "b"})

	assert.Eventually(t, func() bool { return pub.published() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.BufferLen())
}

func TestFailedFlushRequeuesWithCap(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	c := NewCollector(pub, 1, time.Hour)

	c.buffer = append(c.buffer,
		kafka.Event{Key: "a"}, kafka.Event{Key: "b"}, kafka.Event{Key: "c"}, kafka.Event{Key: "d"},
	)
	c.Flush(context.Background())
	assert.Equal(t, 3, c.BufferLen())
	assert.Equal(t, "a", c.buffer[0].Key)

	pub.err = nil
	c.Flush(context.Background())
	assert.Equal(t, 3, pub.published())
}

func TestStartFlushesOnShutdown(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.Track(AnnotationEvent{DocID: "a"})
	cancel()
	c.Close()
	assert.Equal(t, 1, pub.published())
}

func TestCloseReturnsWithoutCancellingStartContext(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(pub, 100, time.Hour)
	c.Start(context.Background())
	c.Track(AnnotationEvent{DocID: "a"})

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a live context")
	}
	assert.Equal(t, 1, pub.published())
	assert.Equal(t, 0, c.BufferLen())

	c.Close()
}

type gatedPublisher struct {
	fakePublisher
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	p.entered <- struct{}{}
	<-p.release
	return p.fakePublisher.PublishBatch(ctx, events)
}

func TestCloseWaitsForBackgroundFlush(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCollector(pub, 1, time.Hour)
	c.Start(context.Background())

	c.Track(AnnotationEvent{DocID: "a"})
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("background flush never started")
	}

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before the background flush finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the flush finished")
	}
	assert.Equal(t, 1, pub.published())
}
