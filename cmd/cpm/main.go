// Package main provides the entry point for the cpm CLI.
package main

import (
	"os"

	"github.com/cpm-dev/cpm/cmd/cpm/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
