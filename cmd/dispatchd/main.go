// Package main provides the entry point for the Dispatch server.
package main

import (
	"fmt"
	"os"

	"github.com/dispatch-run/dispatch/cmd/dispatchd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
