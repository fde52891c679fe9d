// Package main implements loom-watch, which keeps files reconciled with
// external changes while they are "open".
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshills/loom/internal/app"
	"github.com/dshills/loom/internal/format"
	"github.com/dshills/loom/internal/project/store"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts, onConflict := parseFlags()

	manager := app.New(opts)
	if err := manager.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start: %v\n", err)
		return 1
	}
	defer manager.Shutdown()

	for _, path := range flag.Args() {
		if _, err := manager.Open(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-signals:
			return 0
		case <-ticker.C:
			for _, c := range manager.Conflicts() {
				resolve(manager, c.Path, onConflict)
			}
		}
	}
}

// resolve applies the configured automatic resolution to one conflict.
func resolve(manager *app.Manager, path, onConflict string) {
	var err error
	switch onConflict {
	case "keep-mine":
		_, err = manager.ResolveKeepMine(path)
	case "use-theirs":
		err = manager.ResolveUseTheirs(path)
	default:
		err = manager.ResolveAcceptMarked(path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func parseFlags() (app.Options, string) {
	opts := app.DefaultOptions()
	var onConflict string
	var interval time.Duration
	var showVersion bool
	var rejectSaves bool

	flag.StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&interval, "interval", 2*time.Second, "Drift polling interval")
	flag.StringVar(&onConflict, "on-conflict", "markers",
		"Automatic conflict resolution (markers, keep-mine, use-theirs)")
	flag.BoolVar(&rejectSaves, "reject-overlapping-saves", false,
		"Reject saves while one is in flight instead of queueing")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "loom-watch - reconcile files with external changes\n\n")
		fmt.Fprintf(os.Stderr, "Usage: loom-watch [options] files...\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("loom-watch %s (%s)\n", version, commit)
		os.Exit(0)
	}

	switch opts.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q\n", opts.LogLevel)
		os.Exit(1)
	}

	switch onConflict {
	case "markers", "keep-mine", "use-theirs":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid on-conflict mode %q\n", onConflict)
		os.Exit(1)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	opts.CheckInterval = interval
	opts.Format = format.DefaultOptions()
	if rejectSaves {
		opts.SavePolicy = store.SaveReject
	}

	return opts, onConflict
}
