// Package main is the entry point for the crewlink CLI.
package main

import (
	"os"

	"github.com/KafClaw/crewlink/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
