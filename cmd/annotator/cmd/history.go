package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/internal/ledger"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/postgres"
)

func newHistoryCmd(a *app) *cobra.Command {
	var runID string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded windows from the run ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Postgres.Enabled() {
				return fmt.Errorf("history needs postgres.host")
			}
			client, err := postgres.New(cmd.Context(), a.cfg.Postgres)
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := ledger.New(client).Recent(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRUN\tSTART\tEND\tSTATUS\tDOCS\tANNOTATED\tFAILED\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					e.ID, e.RunID, e.Start.Format(time.DateOnly), e.End.Format(time.DateOnly),
					e.Status, e.Documents, e.Outcomes["annotated"], e.Outcomes["failed"], e.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "only show windows of this run id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of windows to list")
	return cmd
}
