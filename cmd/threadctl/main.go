// Package main is the entry point for threadctl.
package main

import (
	"fmt"
	"os"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
