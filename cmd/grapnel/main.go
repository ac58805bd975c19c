package main

import (
	"os"

	"github.com/perfectuser21/grapnel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
