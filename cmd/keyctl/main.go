package main

import (
	"os"

	"e2ee-keyserver/cmd/keyctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
