// Command fieldrec ingests and validates field data submissions.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fieldrec/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
