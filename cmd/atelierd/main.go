// Package main provides the entry point for the atelier daemon.
package main

import (
	"os"

	"github.com/atelier-ai/atelier/cmd/atelierd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
