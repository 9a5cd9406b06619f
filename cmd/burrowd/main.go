// Command burrowd runs the burrow connectivity daemon: it binds the UDP
// socket pair, maintains relay connections, and runs the direct-address
// updater, exposing the result as a net.PacketConn over a stable set of
// per-peer fake addresses for an upper QUIC transport to consume.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o burrowd ./cmd/burrowd
var (
	version = "dev"
	commit  = "unknown"
)

var osExit = os.Exit

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
		return
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("burrowd %s (%s)\n", version, commit)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: burrowd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init [--dir <path>] [--relay name=url]  Write a starter config.yaml")
	fmt.Println("  run [--config <path>]                   Run the connectivity daemon in the foreground")
	fmt.Println("  whoami [--config <path>]                Print this node's NodeID")
	fmt.Println("  config <command> [options]              Inspect, apply, or roll back the config safely")
	fmt.Println("  version                                 Print version information")
}
