package main

import (
	"context"
	"fmt"
	"os"

	"tgrelay/internal/cli"
)

func main() {
	err := cli.NewRoot(os.Stdout).ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
	}
	os.Exit(cli.ExitCode(err))
}
