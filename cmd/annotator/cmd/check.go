package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the document store, annotation endpoints and optional services",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := build(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			report, err := p.checker().Preflight(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
			return err
		},
	}
}
