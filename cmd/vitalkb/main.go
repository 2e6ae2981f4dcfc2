// Package main provides the entry point for the vitalkb CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/vitalkb/cmd/vitalkb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
