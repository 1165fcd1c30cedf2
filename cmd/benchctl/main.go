// Package main is the entry point for benchctl, the terminal client of the
// benchmate daemon.
package main

import (
	"os"

	"benchmate/cmd/benchctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
