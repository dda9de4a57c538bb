package main

import (
	"os"

	"example.com/portfolio-ingest/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
