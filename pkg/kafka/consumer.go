// Package kafka provides the Kafka producer and consumer used for annotation
// events and re-annotation requests, backed by segmentio/kafka-go. Payloads
// are JSON on both sides.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/resilience"
)

// MessageHandler is invoked for each fetched message. A handler error is
// retried; once the attempts run out the message is dropped and committed.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer reads one topic as part of a consumer group.
type Consumer struct {
	reader   *kafka.Reader
	logger   *slog.Logger
	handler  MessageHandler
	attempts int
	backoff  time.Duration
}

// NewConsumer creates a Consumer for topic that dispatches to handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader:   r,
		logger:   slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:  handler,
		attempts: max(1, cfg.HandlerAttempts),
		backoff:  time.Second,
	}
}

// Start fetches and handles messages until ctx is cancelled, then closes
// the reader.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("dropping message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	return resilience.Retry(ctx, "handle message", resilience.RetryConfig{
		MaxAttempts:  c.attempts,
		InitialDelay: c.backoff,
	}, func() error {
		return c.handler(ctx, msg.Key, msg.Value)
	})
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
