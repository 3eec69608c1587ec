package main

import (
	"os"

	"github.com/coderelay/relay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
