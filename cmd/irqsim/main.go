// Command irqsim builds an interrupt topology from YAML, plays scenarios
// against it and reports dispatch timings.
package main

import (
	"fmt"
	"io"
	"os"
)

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s <command> [flags]\n\n", os.Args[0])
	fmt.Fprintf(w, "commands:\n")
	fmt.Fprintf(w, "  run     build a topology and play a scenario\n")
	fmt.Fprintf(w, "  report  print a timeslice recording\n")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		r := runner{stdout: os.Stdout, stderr: os.Stderr}
		err = r.run(os.Args[2:])
	case "report":
		err = report(os.Stdout, os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "irqsim %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}
