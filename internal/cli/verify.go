package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tgrelay/internal/app"
)

var errVerifyFailed = errors.New("some channels failed verification")

func verifyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every source channel and destination is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checks, err := app.Verify(cmd.Context(), g.configPath, g.logger())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, c := range checks {
				switch {
				case c.OK():
					fmt.Fprintf(out, "ok    %s -> %s\n", c.Channel, c.Destination)
					continue
				case c.SourceErr != nil:
					fmt.Fprintf(out, "FAIL  %s: %v\n", c.Channel, c.SourceErr)
				}
				if c.DestErr != nil {
					fmt.Fprintf(out, "FAIL  %s -> %s: %v\n", c.Channel, c.Destination, c.DestErr)
				}
				failed++
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", errVerifyFailed, failed, len(checks))
			}
			return nil
		},
	}
}
