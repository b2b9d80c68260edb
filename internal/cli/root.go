// Package cli wires the process entry points: the combined gateway server
// and the object/service simulator clients.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "gateway", "server":
		return runServer(ctx, args[1:])
	case "object":
		return runObject(ctx, args[1:])
	case "service":
		return runService(ctx, args[1:])
	case "version", "--version", "-v":
		fmt.Println("iotgate " + Version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Print(`iotgate - IoT gateway and message broker

Usage:
  iotgate gateway [flags]   Run the gateway server (both roles + cloud API)
  iotgate object  [flags]   Run an object simulator client
  iotgate service [flags]   Run a service simulator client
  iotgate version           Print version

Run "iotgate <command> -h" for command flags.
`)
}
