package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/azsap/sapops/operation"
)

func runOperations(args []string) error {
	fs := flag.NewFlagSet("operations", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sapopsctl operations\n\nList the operation catalog with required permissions.\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ops := operation.All()
	fmt.Printf("Operations (%d):\n", len(ops))
	for _, entry := range ops {
		var planes []string
		for _, p := range entry.Planes {
			planes = append(planes, string(p))
		}
		mode := "  "
		if entry.ReadOnly {
			mode = "ro"
		}
		fmt.Printf("  %-18s %s  %-14s %-12s %s\n",
			entry.Name, mode, entry.Permission, strings.Join(planes, ","), entry.Description)
	}
	return nil
}
