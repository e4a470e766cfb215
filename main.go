// Package main is the entry point for the dpd protocol detection tool.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/dpd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
