// Package main implements the strata command-line tool.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/strata-log/strata/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cli.Version = version
	cli.GitCommit = commit

	err := cli.New().Execute(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.ExitCode(err))
}
