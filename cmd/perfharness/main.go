// Package main provides the perfharness CLI application entry point.
// perfharness runs solver variants on identical seeded problem instances and
// compares their recorded performance.
package main

import (
	"os"

	"perfharness/cmd/perfharness/internal/cli"
)

func main() {
	app := cli.NewApp()
	rootCmd := app.CreateRootCommand()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
