package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jgivc/dumpsearch/internal/app"
	"github.com/jgivc/dumpsearch/internal/entity"
)

const usage = `Usage:
  dumpsearch search [flags]   fetch, decode and print matching records
  dumpsearch serve [flags]    serve run history and metrics

Run "dumpsearch <command> -h" for the command flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)

		return 1
	}

	switch args[0] {
	case "search":
		return runSearch(ctx, args[1:], stdout, stderr)
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)

		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)

		return 1
	}
}

func runSearch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgFileName := fs.String("c", "config.yml", "Path to config file")
	f := newSearchFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		return 1
	}

	params, err := f.params()
	if err != nil {
		fmt.Fprintf(stderr, "Invalid arguments: %s\n", err)

		return 1
	}
	params.Stdout = stdout

	a, err := app.New(ctx, *cfgFileName, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Cannot start: %s\n", err)

		return 1
	}
	defer a.Close()

	summary, err := a.Search(ctx, params)
	if err != nil {
		if summary != nil && errors.Is(err, context.Canceled) {
			printSummary(stderr, summary)
			fmt.Fprintln(stderr, "Interrupted.")

			return 1
		}

		fmt.Fprintf(stderr, "Cannot run search: %s\n", err)

		return 1
	}

	printSummary(stderr, summary)

	return 0
}

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgFileName := fs.String("c", "config.yml", "Path to config file")
	listen := fs.String("listen", "", "Listen address, overrides the config")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		return 1
	}

	a, err := app.New(ctx, *cfgFileName, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Cannot start: %s\n", err)

		return 1
	}
	defer a.Close()

	if err := a.Serve(ctx, *listen); err != nil {
		fmt.Fprintf(stderr, "Cannot serve: %s\n", err)

		return 1
	}

	fmt.Fprintln(stderr, "done")

	return 0
}

func printSummary(w io.Writer, s *entity.RunSummary) {
	if s.DryRun {
		fmt.Fprintf(w, "Run %s (dry run): %d files\n", s.RunID, s.Descriptors)

		return
	}

	fmt.Fprintf(w, "Run %s: %d files, %d succeeded, %d failed, %d records in %s\n",
		s.RunID, s.Attempted, s.Succeeded, s.Failed, s.Records, s.Duration)

	for _, f := range s.Failures {
		fmt.Fprintf(w, "  failed %s after %d attempts: %s\n", f.URL, f.Attempts, f.Error)
	}

	for name, msg := range s.SinkErrors {
		fmt.Fprintf(w, "  sink %s: %s\n", name, msg)
	}
}
