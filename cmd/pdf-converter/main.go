// Package main provides the pdf-converter entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spherical/pdf-converter/cmd/pdf-converter/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
