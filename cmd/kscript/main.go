package main

import (
	"os"

	"github.com/kestrel-search/scripting/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
