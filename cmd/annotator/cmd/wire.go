package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/bulk"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/events"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/merge"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/nlp"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/processor"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/store"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/redis"
)

// pipeline is the wired set of components behind run and listen.
type pipeline struct {
	cfg       *config.Config
	mode      merge.Mode
	source    store.Gateway
	sink      store.Gateway
	annotator *nlp.Client
	processor *processor.Processor
	metrics   *metrics.Metrics

	redis     *redis.Client
	ledger    *ledger.Store
	producer  *kafka.Producer
	collector *events.Collector
	// unavailable records optional collaborators that failed to connect.
	unavailable map[string]error

	closers []func() error
}

// target is the collection receiving writes.
func (p *pipeline) target() store.Gateway {
	if p.mode == merge.ModeSameIndex {
		return p.source
	}
	return p.sink
}

func build(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	p := &pipeline{
		cfg:         cfg,
		mode:        merge.ModeFromConfig(cfg.Mapping.Sink),
		metrics:     metrics.New(nil),
		unavailable: make(map[string]error),
	}

	names := store.NewNames(0)
	srcClient, err := store.Connect(cfg.Source)
	if err != nil {
		return nil, err
	}
	p.source = store.NewElastic(srcClient, cfg.Source.IndexName, names)

	sinkCfg := cfg.SinkStore()
	sinkClient := srcClient
	if !sameCluster(cfg.Source, sinkCfg) {
		if sinkClient, err = store.Connect(sinkCfg); err != nil {
			return nil, err
		}
	}
	p.sink = store.NewElastic(sinkClient, sinkCfg.IndexName, names)

	strategy, err := merge.New(p.mode, merge.OptionsFromConfig(cfg.Mapping), p.source, p.sink)
	if err != nil {
		return nil, fmt.Errorf("building merge strategy: %w", err)
	}

	nlpOpts := nlp.OptionsFromConfig(cfg.NLPService)
	nlpOpts.Metrics = p.metrics
	if p.annotator, err = nlp.NewClient(nlpOpts); err != nil {
		return nil, err
	}

	p.connectOptional(ctx)

	var notifier processor.Notifier
	if p.collector != nil {
		notifier = p.collector
	}
	p.processor = processor.New(processor.Deps{
		Source:    p.source,
		Target:    p.target(),
		Annotator: p.annotator,
		Strategy:  strategy,
		Batcher:   bulk.New(p.target(), cfg.Bulk.ChunkSize, cfg.Bulk.Timeout, p.metrics),
		Notifier:  notifier,
		Metrics:   p.metrics,
	}, processor.Options{
		TextField:      cfg.Mapping.Source.TextField,
		MinTextLength:  cfg.Mapping.NLP.MinTextLength,
		CheckProcessed: cfg.Mapping.NLP.SkipProcessedDocCheck,
		UseBulk:        cfg.NLPService.UseBulkIndexing,
	})

	slog.Info("pipeline ready",
		"mode", p.mode.String(),
		"source", p.source.IndexName(""),
		"target", p.target().IndexName(""),
		"endpoints", len(p.annotator.Endpoints()),
	)
	return p, nil
}

// connectOptional opens Redis, PostgreSQL and Kafka when configured. A
// collaborator that cannot be reached is left out of the run.
func (p *pipeline) connectOptional(ctx context.Context) {
	cfg := p.cfg
	if cfg.Redis.Enabled() {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			p.unavailable["redis"] = err
			slog.Warn("redis unavailable, runs will not be leased or checkpointed", "error", err)
		} else {
			p.redis = client
			p.closers = append(p.closers, client.Close)
		}
	}
	if cfg.Postgres.Enabled() {
		if err := p.openLedger(ctx); err != nil {
			p.unavailable["postgres"] = err
			slog.Warn("postgres unavailable, windows will not be recorded", "error", err)
		}
	}
	if cfg.Kafka.Enabled() {
		p.producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnnotationEvents)
		p.closers = append(p.closers, p.producer.Close)
		p.collector = events.NewCollector(p.producer, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
	}
}

func (p *pipeline) openLedger(ctx context.Context) error {
	client, err := postgres.New(ctx, p.cfg.Postgres)
	if err != nil {
		return err
	}
	l := ledger.New(client)
	if err := l.Migrate(ctx); err != nil {
		client.Close()
		return fmt.Errorf("migrating ledger: %w", err)
	}
	p.ledger = l
	p.closers = append(p.closers, client.Close)
	return nil
}

// checker registers the preflight probes. The store and the annotation
// endpoints are required; the rest only degrade the run.
func (p *pipeline) checker() *health.Checker {
	c := health.NewChecker()
	c.Register("source", health.Ping(p.source.Ping))
	if p.mode != merge.ModeSameIndex {
		c.Register("sink", health.Ping(p.sink.Ping))
	}
	c.Register("annotation-service", health.Ping(p.annotator.Ping))
	if p.redis != nil {
		c.Register("redis", health.Optional(health.Ping(p.redis.Ping)))
	}
	if p.ledger != nil {
		c.Register("postgres", health.Optional(health.Ping(p.ledger.Ping)))
	}
	if p.producer != nil {
		c.Register("kafka", health.Optional(health.Ping(p.producer.Ping)))
	}
	for name, err := range p.unavailable {
		c.Register(name, health.Optional(health.Ping(func(context.Context) error { return err })))
	}
	return c
}

// Close releases every connection, newest first.
func (p *pipeline) Close() error {
	var errs []error
	for _, closeFn := range slices.Backward(p.closers) {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sameCluster(a, b config.StoreConfig) bool {
	return slices.Equal(a.Hosts, b.Hosts) && a.Username == b.Username && a.Password == b.Password && a.TLS == b.TLS
}
