package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/scheduler"
)

func newWindowsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "windows",
		Short: "Print the windows a run would process, without touching any store",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch := a.cfg.Mapping.Source.Batch
			windows, err := scheduler.Plan(batch)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if batch.Incremental {
				fmt.Fprintln(out, "incremental: one cycle over every unprocessed document")
			}
			for i, w := range windows {
				start, end := w.Bounds(batch.Layout)
				fmt.Fprintf(out, "%3d  %s  %s\n", i+1, start, end)
			}
			return nil
		},
	}
}
