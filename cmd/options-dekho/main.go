package main

import (
	"fmt"
	"os"

	"options-dekho/internal/cli"
	"options-dekho/internal/logging"
)

func main() {
	logger := logging.NewLogger()

	if err := cli.NewRootCmd(logger).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
