package main

import (
	"os"

	// Import init package first to set logging defaults
	_ "github.com/beam-cloud/soundfs/internal/init"

	"github.com/beam-cloud/soundfs/pkg/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
