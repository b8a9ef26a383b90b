package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `dispctl - display power controller

Usage:
  dispctl <command> [options]

Commands:
  start                      Run the controller daemon in the foreground
  init                       Write a starter config file
  status                     Show daemon and display status
  request <policy>           Submit a power request (OFF, DOZE, DIM, BRIGHT)
  brightness <value>         Set the user brightness in [0, 1]
  brightness --temporary <value|clear>
                             Set or clear the temporary brightness
  auto-adjust <value|clear>  Set or clear the temporary auto-brightness adjustment
  proximity <near|far|ignore>  Feed the proximity sensor
  events                     List recent brightness events
  stats                      Show screen state commit counts
  dump                       Print the controller dump (local only)
  discover                   Browse the local network for daemons
  hash-token [token]         Print a bcrypt hash for api_token_hash (--qr for a connect QR)
  version                    Print the version
Run 'dispctl <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "request":
		return runRequest(args[2:], stdout, stderr)
	case "brightness":
		return runBrightness(args[2:], stdout, stderr)
	case "auto-adjust":
		return runAutoAdjust(args[2:], stdout, stderr)
	case "proximity":
		return runProximity(args[2:], stdout, stderr)
	case "events":
		return runEvents(args[2:], stdout, stderr)
	case "stats":
		return runStats(args[2:], stdout, stderr)
	case "dump":
		return runDump(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "hash-token":
		return runHashToken(args[2:], stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "dispctl %s\n", Version)
		return 0
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
