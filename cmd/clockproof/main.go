// Command clockproof runs the pieces of a verifiable causal clock
// deployment: the enclave-side update worker, a host-side session, the
// accumulator gossip demo, and audit queries over stored snapshots and
// merge logs.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("clockproof", version)
		return
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	switch os.Args[1] {
	// Setup
	case "keygen":
		os.Exit(a.cmdKeygen(os.Args[2:]))

	// Operations
	case "worker":
		os.Exit(a.cmdWorker(os.Args[2:]))
	case "session":
		os.Exit(a.cmdSession(os.Args[2:]))
	case "accumulate":
		os.Exit(a.cmdAccumulate(os.Args[2:]))

	// Audit
	case "snapshots":
		os.Exit(a.cmdSnapshots(os.Args[2:]))
	case "mergelog":
		os.Exit(a.cmdMergeLog(os.Args[2:]))

	default:
		fmt.Fprintf(os.Stderr, "clockproof: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'clockproof --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`clockproof — verifiable causal clocks

Vector clocks for causal ordering. Hardware-style attestation binds
every clock update to the measured worker that computed it.

Usage:
  clockproof <command> [flags]

Setup:
  keygen                    Mint a trust anchor (certificate + key)

Commands:
  worker                    Run the enclave-side update worker
  session                   Request one clock update from a worker
  accumulate                Run or drive the gossip accumulator demo

Audit:
  snapshots [--node ID]     List stored clock snapshots
  mergelog  [--node ID]     List merge-audit rows

Environment:
  CLOCKPROOF_CONFIG   Config file path (default: clockproof.yaml)
  CLOCKPROOF_DB       SQLite database path (overrides config)

All audit commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "clockproof: "+format+"\n", args...)
	os.Exit(1)
}
