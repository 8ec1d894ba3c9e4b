// Command loadtest drives a relay with many simulated members.
//
//   - saturate: open N channels spread over a few rooms and hold them
//   - rooms:    fill rooms with moving members and measure pos fan-out latency
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
	case "rooms":
		runRooms(os.Args[2:])
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
	fmt.Println("  saturate    Channel saturation test: joins N idle members across rooms")
	fmt.Println("  rooms       Fan-out test: members in each room stream pos samples to each other")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
