package main

import (
	"os"

	"github.com/opd-ai/qkd/cmd/qkd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
