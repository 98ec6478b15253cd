// Package main is the entry point for the messenger load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - converse: Conversation lifecycle load test
//
// Both scenarios simulate users drawn from a numbered account range
// (<prefix>1 .. <prefix>N); those accounts must already exist on the
// target server.
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "converse":
		runConverse(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`messenger load test tool

Usage:
  loadtest <command> [options]

Commands:
  saturate   Open many connections and hold them with pings
  converse   Pairs of users exchange messages and measure round-trip latency
  help       Show this help

Run "loadtest <command> -h" for command-specific options.`)
}
