// Package main is the entry point for the usagesync CLI.
package main

import (
	"os"

	"github.com/vnmchuo/usage-sync/cmd/usagesync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
