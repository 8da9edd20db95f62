package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const usage = `coderider-gateway exposes CodeRider through OpenAI and Anthropic compatible APIs.

Usage:
  coderider-gateway serve [flags]
  coderider-gateway resolve [--config <path>] <model>...

Commands:
  serve    Start the HTTP server
  resolve  Show how model names map onto upstream aliases

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "resolve":
		return resolve(args[1:], os.Stdout)
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
