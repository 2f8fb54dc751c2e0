package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bpicori/cobra-gate/internal/cli"
)

func main() {
	var showHelp bool
	flags := pflag.NewFlagSet("cobra-gate", pflag.ContinueOnError)
	flags.BoolVarP(&showHelp, "help", "h", false, "Show help message")
	flags.SetInterspersed(false)
	flags.Usage = printUsage

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	if showHelp {
		printUsage()
		return
	}

	args := flags.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdio := cli.Stdio{Out: os.Stdout, Err: os.Stderr}
	var code int
	switch args[0] {
	case "exec":
		code = cli.ExecCmd(ctx, args[1:], stdio)
	case "fetch":
		code = cli.FetchCmd(ctx, args[1:], stdio)
	case "post":
		code = cli.PostCmd(ctx, args[1:], stdio)
	case "download":
		code = cli.DownloadCmd(ctx, args[1:], stdio)
	case "script":
		code = cli.ScriptCmd(ctx, args[1:], stdio)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		code = 2
	}
	stop()
	os.Exit(code)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `cobra-gate - Allow-listed command execution and HTTPS fetching

Usage:
  cobra-gate <command> [options]

Commands:
  exec      Run an allow-listed command
  fetch     Print the body of an allow-listed HTTPS URL
  post      POST a form to an allow-listed HTTPS URL
  download  Save an allow-listed HTTPS URL to a file
  script    Run a Lua script with the cobra module
  help      Show this help message

Allow-lists come from COBRA_EJECUTAR_PERMITIDOS and COBRA_HOST_WHITELIST,
a --config YAML file, and --allow-exec / --allow-host flags, in that order.

Run "cobra-gate <command> --help" for details on a command.
`)
}
