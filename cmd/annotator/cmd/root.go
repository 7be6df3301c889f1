// Package cmd provides the annotator command line: batch runs, preflight
// checks, listen mode and window previews.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/logger"
)

// app carries what every subcommand shares.
type app struct {
	configPath string
	cfg        *config.Config
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "annotator",
		Short: "Annotate stored documents with an NLP service and index the entities",
		Long: `annotator reads documents from a search cluster collection, sends their text
to one or more annotation service endpoints and writes the returned entities
back: as one record per entity, as one nested record per document, or into
the source document itself.

Runs walk a date range window by window and are safe to repeat.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
			a.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "configs/annotator.yaml", "path to config file")

	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newCheckCmd(a))
	cmd.AddCommand(newListenCmd(a))
	cmd.AddCommand(newWindowsCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
