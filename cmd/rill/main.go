// Command rill runs the streaming materialization engine and its tools.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rill/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
