package main

import (
	"flag"
	"fmt"

	"github.com/azsap/sapops/config"
)

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sapopsctl validate <config.yaml>\n\nValidate a landscape configuration file.\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("config file path is required")
	}

	cfgPath := fs.Arg(0)
	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed:\n%v", err)
	}

	components := 0
	for _, sys := range cfg.Landscape.Systems {
		components += len(sys.Components)
	}
	extras := ""
	if cfg.Azure != nil {
		extras += ", azure"
	}
	if cfg.Auth != nil {
		extras += ", auth"
	}
	if cfg.HANA != nil {
		extras += ", hana"
	}
	fmt.Printf("config %s is valid (%d systems, %d components%s)\n",
		cfgPath, len(cfg.Landscape.Systems), components, extras)
	return nil
}
