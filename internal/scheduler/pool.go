package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/processor"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/metrics"
)

// Counts tallies document outcomes.
type Counts map[processor.Outcome]int

// Total is the number of documents counted.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Add merges other into c.
func (c Counts) Add(other Counts) {
	for k, v := range other {
		c[k] += v
	}
}

// LogAttrs renders the tally as slog key-value pairs.
func (c Counts) LogAttrs() []any {
	attrs := make([]any, 0, 2*(int(processor.Failed)+1))
	for o := processor.Annotated; o <= processor.Failed; o++ {
		attrs = append(attrs, o.String(), c[o])
	}
	return attrs
}

type job struct {
	ctx   context.Context
	id    string
	batch *batch
}

type batch struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	counts Counts
}

// Pool is a fixed set of workers kept alive for every window of a run.
type Pool struct {
	jobs    chan job
	workers sync.WaitGroup
	process func(ctx context.Context, id string) processor.Outcome
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPool starts size workers running process.
func NewPool(size int, process func(ctx context.Context, id string) processor.Outcome, m *metrics.Metrics) *Pool {
	size = max(1, size)
	p := &Pool{
		jobs:    make(chan job),
		process: process,
		metrics: m,
		logger:  slog.Default().With("component", "worker-pool"),
	}
	for range size {
		p.workers.Add(1)
		go p.work()
	}
	p.logger.Debug("worker pool started", "workers", size)
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for j := range p.jobs {
		if p.metrics != nil {
			p.metrics.WorkersBusy.Inc()
		}
		outcome := p.process(j.ctx, j.id)
		if p.metrics != nil {
			p.metrics.WorkersBusy.Dec()
		}
		j.batch.mu.Lock()
		j.batch.counts[outcome]++
		j.batch.mu.Unlock()
		j.batch.wg.Done()
	}
}

// Run hands every id to the workers and waits until all of them are done.
// Once ctx is cancelled no further ids are dispatched; documents already
// handed out run to completion.
func (p *Pool) Run(ctx context.Context, ids []string) (Counts, error) {
	b := &batch{counts: make(Counts)}
	docCtx := context.WithoutCancel(ctx)
	var err error
dispatch:
	for _, id := range ids {
		b.wg.Add(1)
		select {
		case p.jobs <- job{ctx: docCtx, id: id, batch: b}:
		case <-ctx.Done():
			b.wg.Done()
			err = ctx.Err()
			break dispatch
		}
	}
	b.wg.Wait()
	return b.counts, err
}

// Close stops the workers once they finish their current document.
func (p *Pool) Close() {
	close(p.jobs)
	p.workers.Wait()
}
