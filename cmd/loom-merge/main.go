// Package main implements loom-merge, a three-way line merge for files.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dshills/loom/internal/engine/merge"
	"github.com/dshills/loom/internal/storage/fileio"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitClean    = 0
	exitConflict = 1
	exitError    = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var output string
	var showVersion bool

	flag.StringVar(&output, "o", "", "Write the merge result to this file instead of stdout")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "loom-merge - three-way line merge\n\n")
		fmt.Fprintf(os.Stderr, "Usage: loom-merge [options] BASE OURS THEIRS\n\n")
		fmt.Fprintf(os.Stderr, "Merges the changes BASE->OURS and BASE->THEIRS. Overlapping\n")
		fmt.Fprintf(os.Stderr, "changes produce conflict markers.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit status: 0 clean merge, 1 conflicts, 2 error.\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("loom-merge %s (%s)\n", version, commit)
		return exitClean
	}

	if flag.NArg() != 3 {
		flag.Usage()
		return exitError
	}

	base, err := readInput(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	ours, err := readInput(flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	theirs, err := readInput(flag.Arg(2))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	outcome := merge.Merge(base, ours, theirs)

	if output != "" {
		if _, err := fileio.AtomicWrite(output, outcome.Text); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitError
		}
	} else {
		fmt.Print(outcome.Text)
	}

	if outcome.Kind == merge.Conflicted {
		fmt.Fprintln(os.Stderr, "merge produced conflicts")
		return exitConflict
	}
	return exitClean
}

func readInput(path string) (string, error) {
	text, _, err := fileio.ReadStable(path)
	return text, err
}
