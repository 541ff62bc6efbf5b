package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tgrelay/internal/app"
)

func pruneCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete delivery records older than dedup_retention_days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := app.Prune(cmd.Context(), g.configPath, g.logger())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d delivery records\n", n)
			return nil
		},
	}
}
