package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/processor"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/runstate"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/metrics"
)

func newRunCmd(a *app) *cobra.Command {
	var resume bool
	var skipPreflight bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Annotate every document in the configured date range",
		Long: `Walks the batch date range window by window. Each window resolves its
document ids, then a worker pool runs every document through fetch, text
validation, the processed check, annotation and the configured merge mode.

With Redis configured the sink is leased for the duration of the run and
every completed window is checkpointed; --resume continues after the last
checkpoint of the same date range.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, a, resume, skipPreflight)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "skip windows completed by a previous run of the same range")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "start without probing the store and annotation endpoints")
	return cmd
}

func runBatch(cmd *cobra.Command, a *app, resume, skipPreflight bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := build(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	checker := p.checker()
	if !skipPreflight {
		if _, err := checker.Preflight(ctx); err != nil {
			return err
		}
	}
	if shutdown := startMetrics(a, checker); shutdown != nil {
		defer shutdown()
	}
	if p.collector != nil {
		p.collector.Start(ctx)
		defer p.collector.Close()
	}

	runID := uuid.NewString()
	deps := scheduler.Deps{
		Source:    p.source,
		Sink:      p.sink,
		Processor: p.processor,
		Metrics:   p.metrics,
	}
	if p.ledger != nil {
		deps.Ledger = p.ledger
	}

	if p.redis != nil {
		target := p.target().IndexName("")
		lease, err := runstate.Acquire(ctx, p.redis, target, runID, a.cfg.Redis.LeaseTTL)
		if err != nil {
			return err
		}
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		lease.KeepAlive(runCtx, cancel)
		defer lease.Release(context.WithoutCancel(ctx))
		ctx = runCtx

		batch := a.cfg.Mapping.Source.Batch
		deps.Checkpointer = runstate.NewCheckpoint(p.redis, target, batch.DateStart, batch.DateEnd)
	} else if resume {
		slog.Warn("--resume needs redis, running the whole range")
	}

	sched, err := scheduler.New(deps, scheduler.Options{
		Batch:      a.cfg.Mapping.Source.Batch,
		DocIDField: a.cfg.Mapping.Source.DocIDField,
		Mode:       p.mode,
		Sink:       a.cfg.Mapping.Sink,
		Resume:     resume,
		RunID:      runID,
	})
	if err != nil {
		return err
	}

	sum, err := sched.Run(ctx)
	printSummary(cmd, sum)
	return err
}

func printSummary(cmd *cobra.Command, sum scheduler.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d windows (%d resumed past), %d documents in %s\n",
		sum.RunID, sum.Windows, sum.Skipped, sum.IDs, sum.Duration.Round(time.Millisecond))
	for o := processor.Annotated; o <= processor.Failed; o++ {
		fmt.Fprintf(out, "  %-20s %d\n", o.String(), sum.Counts[o])
	}
}

// startMetrics serves /metrics and /readyz when enabled and returns the
// shutdown function.
func startMetrics(a *app, checker *health.Checker) func() {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	shutdown := metrics.StartServer(a.cfg.Metrics.Port, map[string]http.Handler{
		"/readyz": checker.ReadyHandler(),
	})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}
}
