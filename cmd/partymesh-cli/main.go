// Package main provides the entry point for partymesh-cli.
//
// partymesh-cli is the inspection tool for a PartyMesh directory. It
// connects the same way a world process does and issues read-side
// requests against the live server.
package main

import (
	"fmt"
	"os"

	"github.com/ravengrove/partymesh/internal/cli/command"
)

func main() {
	app := command.App()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
