// Package cli implements the tgrelay command line.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"tgrelay/pkg/logx"
)

// Set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

const defaultConfigPath = "./config.yaml"

type globals struct {
	configPath string
	logLevel   string
}

func (g *globals) logger() logx.Logger { return logx.NewConsole(g.logLevel) }

// NewRoot builds the command tree. Output of informational commands goes
// to out.
func NewRoot(out io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "tgrelay",
		Short:         "Relay Telegram channel posts to destination chats",
		Long:          "tgrelay polls source channels, transforms their posts and delivers each one exactly once to its configured destination.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", envOr("TGRELAY_CONFIG", defaultConfigPath), "path to the config file (yaml or json)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level for one-shot commands")

	root.AddCommand(
		runCmd(g),
		verifyCmd(g),
		pruneCmd(g),
		cursorsCmd(g),
		loginCmd(g),
		versionCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
