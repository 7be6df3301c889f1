// Package listener re-annotates single documents on request. Document ids
// arrive on a Kafka topic and each one runs through the same processor,
// gates and merge strategy as a batch run.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/processor"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/kafka"
)

// Request asks for one document to be annotated.
type Request struct {
	DocID string `json:"doc_id"`
}

// Processor runs one document through the pipeline.
type Processor interface {
	Process(ctx context.Context, id string) processor.Outcome
}

// Listener wraps the Kafka consumer of re-annotation requests.
type Listener struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates a Listener over consumer.
func New(consumer *kafka.Consumer) *Listener {
	return &Listener{
		consumer: consumer,
		logger:   slog.Default().With("component", "listener"),
	}
}

// Start consumes requests until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	l.logger.Info("listener starting")
	return l.consumer.Start(ctx)
}

// HandleMessage returns a handler that processes the requested document.
// Undecodable requests are logged and skipped; a failed document is
// reported so the consumer tries it again.
func HandleMessage(p Processor) kafka.MessageHandler {
	logger := slog.Default().With("component", "listener")
	return func(ctx context.Context, key []byte, value []byte) error {
		req, err := kafka.DecodeJSON[Request](value)
		if err != nil {
			logger.Error("failed to decode re-annotation request", "key", string(key), "error", err)
			return nil
		}
		id := strings.TrimSpace(req.DocID)
		if id == "" {
			id = strings.TrimSpace(string(key))
		}
		if id == "" {
			logger.Error("re-annotation request carries no document id")
			return nil
		}

		outcome := p.Process(ctx, id)
		if outcome == processor.Failed {
			return fmt.Errorf("re-annotating document %s failed", id)
		}
		logger.Debug("re-annotation request handled", "doc_id", id, "outcome", outcome.String())
		return nil
	}
}
