// esctl inspects and administers aggregate streams.
//
// Usage:
//
//	esctl [-config file] <command> [flags] [args]
//
// Commands:
//
//	read     print the events of an aggregate stream as JSON lines
//	delete   delete an aggregate stream
//	migrate  apply SQLite schema migrations and print the schema version
//	nats     run an embedded NATS server until interrupted
//	seal     encrypt NATS credentials into a file for credentials.path
//	version  print the build version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/plaenen/aggregatestore/pkg/runner"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := runner.SignalContext(context.Background())
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "esctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("esctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", os.Getenv("AGGSTORE_CONFIG"), "path to the YAML config file")
	global.Usage = func() {
		fmt.Fprintln(stderr, "usage: esctl [-config file] <read|delete|migrate|nats|seal|version> [flags] [args]")
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errUsage
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	env := &environment{configPath: *configPath, stdout: stdout, stderr: stderr}

	switch cmd {
	case "read":
		return env.read(ctx, rest)
	case "delete":
		return env.delete(ctx, rest)
	case "migrate":
		return env.migrate(ctx, rest)
	case "nats":
		return env.nats(ctx, rest)
	case "seal":
		return env.seal(ctx, rest)
	case "version":
		fmt.Fprintln(stdout, version)
		return nil
	default:
		fmt.Fprintf(stderr, "esctl: unknown command %q\n", cmd)
		global.Usage()
		return errUsage
	}
}
