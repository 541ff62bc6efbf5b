package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tgrelay/internal/app"
)

func cursorsCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cursors",
		Short: "Print the last processed message id of each source channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cursors, err := app.Cursors(cmd.Context(), g.configPath, g.logger())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(cursors)
			}
			if len(cursors) == 0 {
				fmt.Fprintln(out, "no cursors stored yet")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tCURSOR\tUPDATED")
			for _, c := range cursors {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Channel, c.Value, c.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
