package main

import (
	"os"

	"github.com/spice-labs-inc/mvn-crawler-carl/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
