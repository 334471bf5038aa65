package main

import (
	"fmt"
	"os"
)

var (
	version   = "dev"
	gitCommit = "none"
	buildDate = "unknown"
)

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("kioku %s (commit %s, built %s)\n", version, gitCommit, buildDate)
}
