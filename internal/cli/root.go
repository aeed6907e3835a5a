// Package cli implements the managedsp operator command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loadEnvFromDotEnv(".env")

	if len(args) == 0 {
		printUsage()
		return 2
	}
	switch args[0] {
	case "server":
		return runServerAdmin(ctx, args[1:])
	case "institution":
		return runInstitutionAdmin(ctx, args[1:])
	case "deployment":
		return runDeployment(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}
