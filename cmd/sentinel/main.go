// Package main provides the entrypoint for the sentinel CLI.
package main

import (
	"fmt"
	"os"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/cli"
)

// Set via -ldflags at release time.
var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	cli.SetVersion(version)
	cli.SetBuildInfo(commit, date)
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
