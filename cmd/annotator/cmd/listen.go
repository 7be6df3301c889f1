package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/listener"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/kafka"
)

func newListenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Annotate documents whose ids arrive on the re-annotation topic",
		Long: `Consumes {"doc_id": "..."} requests from kafka.topics.reannotateRequest and
runs each document through the same gates and merge mode as a batch run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Kafka.Enabled() {
				return fmt.Errorf("listen needs kafka.brokers")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := build(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			checker := p.checker()
			if _, err := checker.Preflight(ctx); err != nil {
				return err
			}
			if err := scheduler.PrepareSchema(ctx, p.target(), p.mode, a.cfg.Mapping.Sink); err != nil {
				return fmt.Errorf("preparing schema: %w", err)
			}
			if shutdown := startMetrics(a, checker); shutdown != nil {
				defer shutdown()
			}
			if p.collector != nil {
				p.collector.Start(ctx)
				defer p.collector.Close()
			}

			topic := a.cfg.Kafka.Topics.ReannotateRequest
			consumer := kafka.NewConsumer(a.cfg.Kafka, topic, listener.HandleMessage(p.processor))
			slog.Info("listening for re-annotation requests", "topic", topic, "group", a.cfg.Kafka.ConsumerGroup)
			return listener.New(consumer).Start(ctx)
		},
	}
}
