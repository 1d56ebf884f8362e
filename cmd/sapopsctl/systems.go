package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/azsap/sapops/config"
	"github.com/azsap/sapops/registry"
)

func runSystems(args []string) error {
	fs := flag.NewFlagSet("systems", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sapopsctl systems <config.yaml>\n\nList the systems and components in a configuration.\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("config file path is required")
	}

	cfg, err := config.LoadFromFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed:\n%v", err)
	}

	reg := registry.Build(cfg)
	systems := reg.Systems()
	fmt.Printf("Systems (%d):\n", len(systems))
	for _, sys := range systems {
		desc := sys.Description
		if desc != "" {
			desc = "  " + desc
		}
		fmt.Printf("  %-8s%s\n", sys.ID, desc)
		for _, comp := range sys.Components() {
			var planes []string
			if comp.Shell != nil {
				planes = append(planes, "shell")
			}
			if comp.Cloud != nil {
				planes = append(planes, "cloud")
			}
			fmt.Printf("    %-12s  type=%-12s planes=%s\n", comp.Name, comp.Type, strings.Join(planes, ","))
		}
	}
	return nil
}
