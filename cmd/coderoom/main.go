package main

import (
	"fmt"
	"os"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	pidFile = "coderoomd.pid"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit()
	case "start":
		err = cmdStart()
	case "stop":
		err = cmdStop()
	case "status":
		err = cmdStatus()
	case "logs":
		err = cmdLogs()
	case "doctor":
		err = cmdDoctor()
	case "config":
		err = cmdConfig()
	case "rooms":
		err = withClient(func(c *client) error { return cmdRooms(os.Stdout, c) })
	case "cleanup":
		err = withClient(func(c *client) error { return cmdCleanup(os.Stdout, c, os.Args[2:]) })
	case "sweep":
		err = withClient(func(c *client) error { return cmdSweep(os.Stdout, c, os.Args[2:]) })
	case "help", "-h", "--help":
		printUsage()
	case "version", "-v", "--version":
		fmt.Printf("coderoom %s\n", Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`coderoom - Sandboxed containers for collaborative coding rooms

Usage:
  coderoom <command> [arguments]

Setup Commands:
  init            Create ~/.coderoom and a default configuration
  doctor          Check Docker and daemon connectivity
  config          Show current configuration

Daemon Commands:
  start           Start the coderoom daemon
  stop            Stop the coderoom daemon
  status          Show daemon status
  logs            View daemon logs

Room Commands:
  rooms           List rooms with a live sandbox
  cleanup <room>  Destroy the sandbox of a room
  sweep [idle]    Destroy sandboxes idle longer than idle (e.g. 30m)

Other:
  help            Show this help message
  version         Show version information

Examples:
  coderoom start                  # Start daemon
  coderoom rooms                  # List live rooms
  coderoom sweep 0s               # Destroy every sandbox`)
}
