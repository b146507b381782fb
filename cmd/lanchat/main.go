// Package main provides the entrypoint for the lanchat CLI.
package main

import (
	"fmt"
	"os"

	"lanchat.dev/go/lanchat/internal/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
