// Command loadtest drives traffic at a running moderation service.
//
//   - ws:   many WebSocket connections each streaming moderation requests
//   - http: concurrent POST /moderate (or /moderate/batch) requests
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
	case "ws":
		runWS(os.Args[2:])
	case "http":
		runHTTP(os.Args[2:])
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
	fmt.Println("  ws      WebSocket streaming test: N connections send M messages each")
	fmt.Println("  http    HTTP test: concurrent single or batch moderation requests")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// sampleTexts mixes clean chat with text the keyword classifier flags.
var sampleTexts = []string{
	"hey, how is everyone doing today?",
	"anyone up for a game later",
	"that was a great match",
	"you are an idiot",
	"buy cheap followers at http://spam.example",
	"sooooooooo boring",
	"see you tomorrow",
	"i will kill you",
}

func sampleText(i int) string {
	return fmt.Sprintf("%s #%d", sampleTexts[i%len(sampleTexts)], i)
}
