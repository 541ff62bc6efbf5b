package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tgrelay/internal/app"
)

func loginCmd(g *globals) *cobra.Command {
	var phone, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Create the reader session (mtproto driver only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(phone) == "" {
				return errors.New("--phone is required")
			}
			in := bufio.NewReader(cmd.InOrStdin())
			code := func(context.Context) (string, error) {
				fmt.Fprint(cmd.OutOrStdout(), "login code: ")
				line, err := in.ReadString('\n')
				if err != nil && line == "" {
					return "", fmt.Errorf("read code: %w", err)
				}
				return strings.TrimSpace(line), nil
			}
			if err := app.Login(cmd.Context(), g.configPath, phone, password, code, g.logger()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number of the reading account, international format")
	cmd.Flags().StringVar(&password, "password", "", "two-step verification password, if enabled")
	return cmd
}
