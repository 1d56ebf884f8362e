package main

import (
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"validate":   runValidate,
	"systems":    runSystems,
	"operations": runOperations,
	"dispatch":   runDispatch,
	"login":      runLogin,
	"logout":     runLogout,
	"token":      runToken,
}

func usage() {
	fmt.Fprintf(os.Stderr, `sapopsctl - SAP landscape administration CLI (version %s)

Usage:
  sapopsctl <command> [options]

Commands:
  validate    Validate a landscape configuration file
  systems     List the systems and components in a configuration
  operations  List the operation catalog with required permissions
  dispatch    Run one operation against a system component
  login       Authenticate and store a session token in the OS keyring
  logout      Remove the stored session token
  token       Print the stored session token

Run 'sapopsctl <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
