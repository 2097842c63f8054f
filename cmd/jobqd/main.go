package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/reactor-jobq/internal/cli"
)

// set by -ldflags "-X main.version=..."
var version = "dev"

func main() {
	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = version
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
