package main

import (
	"os"

	"github.com/austindbirch/poolwatch/cmd/poolctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
