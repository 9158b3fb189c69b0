// Package main provides the entry point for the chatspace CLI.
package main

import (
	"os"

	"github.com/magnusfroste/privateai-chatspace/cmd/chatspace/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
