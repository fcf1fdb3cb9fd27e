// Command livedoc compiles document types and drives documents persisted
// in a SQLite patch log.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/livedoc/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "livedoc:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
