// Package main is the entry point for the shake load test binary. It drives
// a running shaker over NATS:
//
//   - shake: pairs of friends shake at the same place and must be matched
//     with exactly one meeting per pair
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
	case "shake":
		runShake(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  shake       Pairs of friends shake together and wait for their match")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
