// Package main is the entry point for the ctxpipe command.
package main

import (
	"fmt"
	"os"

	"ctxpipe/internal/cli"
)

func main() {
	rootCmd := cli.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
