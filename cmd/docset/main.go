// This is the main entry point for the docset CLI.
// The migrate commands are subcommands of the main docset binary.
// Build with: go build -o bin/docset ./cmd/docset
// Usage: docset migrate <command> [options]
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
