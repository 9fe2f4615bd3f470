package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

// environment carries the process level collaborators commands use. Tests
// replace the transports and writers.
type environment struct {
	stdout io.Writer
	stderr io.Writer
	// probeTransport carries probe traffic, httpTransport everything else.
	probeTransport http.RoundTripper
	httpTransport  http.RoundTripper
}

func defaultEnvironment() environment {
	probe := http.DefaultTransport.(*http.Transport).Clone()
	// Every probe must open a fresh connection so the address family race
	// happens again.
	probe.DisableKeepAlives = true
	return environment{
		stdout:         os.Stdout,
		stderr:         os.Stderr,
		probeTransport: probe,
		httpTransport:  http.DefaultTransport,
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		printUsage(os.Stdout)
		return
	}

	err := dispatch(ctx, cmd, os.Args[2:], defaultEnvironment())
	if errors.Is(err, errUnknownCommand) {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

var errUnknownCommand = errors.New("unknown command")

func dispatch(ctx context.Context, cmd string, args []string, env environment) error {
	switch cmd {
	case "run":
		return runCommand(ctx, args, env)
	case "plan":
		return planCommand(ctx, args, env)
	case "transmit":
		return transmitCommand(ctx, args, env)
	case "export":
		return exportCommand(ctx, args, env)
	case "summary":
		return summaryCommand(ctx, args, env)
	case "url":
		return urlCommand(ctx, args, env)
	case "scan-resolver":
		return scanCommand(ctx, args, env)
	case "init":
		return initCommand(ctx, args, env)
	default:
		return errUnknownCommand
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "he-webtester probe CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  heprobe run [--config path] [--variant ip-v1|ip-v2|dns-v1] [--repetitions N] [--randomize] [--reroll]")
	fmt.Fprintln(w, "              [--user-info S] [--resolver-info S] [--transmit] [--output file] [--runs N] [--interval D]")
	fmt.Fprintln(w, "  heprobe plan [--config path] [--variant V] [--repetitions N] [--randomize] [--reroll] [--output file]")
	fmt.Fprintln(w, "  heprobe transmit [--config path]")
	fmt.Fprintln(w, "  heprobe export [--config path] [--output file]")
	fmt.Fprintln(w, "  heprobe summary [--config path] [--variant V]")
	fmt.Fprintln(w, "  heprobe url --kind cad|rd [--delay N] [--record-type a|aaaa] [--config path]")
	fmt.Fprintln(w, "  heprobe scan-resolver --resolvers file --delays file --zone Z --out file [--record-type AAAA] [--with-glue] [--workers 10]")
	fmt.Fprintln(w, "  heprobe init [--config path]")
}
