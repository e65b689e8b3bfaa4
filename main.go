package main

import (
	"os"

	"github.com/pubkeep/pubkeep/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
