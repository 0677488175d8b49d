package main

import (
	"os"

	"nuha.dev/safezone/cmd/safezone/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
