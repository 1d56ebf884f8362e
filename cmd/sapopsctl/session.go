package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/azsap/sapops/authz"
	"github.com/azsap/sapops/config"
)

// keyringService namespaces stored session tokens in the OS credential store.
const keyringService = "sapopsctl"

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to the configuration YAML file")
	user := fs.String("user", "", "Username to authenticate")
	password := fs.String("password", "", "Password (prompted when omitted)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: sapopsctl login -config <config.yaml> -user <name> [options]

Authenticate against the configured user table and store the session token in
the OS keyring. Pass the token to MCP tools as the 'token' argument.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configFile == "" || *user == "" {
		fs.Usage()
		return fmt.Errorf("-config and -user are required")
	}

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed:\n%v", err)
	}
	if cfg.Auth == nil {
		return fmt.Errorf("config has no auth section; the server runs unauthenticated and needs no token")
	}

	pw := *password
	if pw == "" {
		pw, err = promptPassword()
		if err != nil {
			return err
		}
	}

	auth := authz.NewAuthenticator(cfg.Auth.Users, cfg.Auth.UserRoles, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std(), nil)
	principal, token, err := auth.Login(*user, pw)
	if err != nil {
		return err
	}

	if err := keyring.Set(keyringService, *user, token); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}

	engine := authz.NewEngine(cfg.Auth.RolePermissions, nil)
	perms := engine.EffectivePermissions(principal.Roles)
	names := make([]string, 0, len(perms))
	for p := range perms {
		names = append(names, string(p))
	}
	sort.Strings(names)

	fmt.Printf("logged in as %s (roles: %s)\n", principal.Username, strings.Join(principal.Roles, ", "))
	fmt.Printf("permissions: %s\n", strings.Join(names, ", "))
	fmt.Printf("token stored; print it with 'sapopsctl token -user %s'\n", *user)
	if cfg.Auth.JWTSecret == "" {
		fmt.Println("note: no jwt_secret is configured, so this token is only valid against an authenticator sharing this process's ephemeral key")
	}
	return nil
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for the password prompt; use -password")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}

func runLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	user := fs.String("user", "", "Username whose token to remove")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sapopsctl logout -user <name>\n\nRemove the stored session token from the OS keyring.\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		fs.Usage()
		return fmt.Errorf("-user is required")
	}

	if err := keyring.Delete(keyringService, *user); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("no stored token for %s", *user)
		}
		return fmt.Errorf("failed to remove token: %w", err)
	}
	fmt.Printf("removed stored token for %s\n", *user)
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "Username whose token to print")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sapopsctl token -user <name>\n\nPrint the stored session token.\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		fs.Usage()
		return fmt.Errorf("-user is required")
	}

	token, err := keyring.Get(keyringService, *user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("no stored token for %s; run 'sapopsctl login' first", *user)
		}
		return fmt.Errorf("failed to read token: %w", err)
	}
	fmt.Println(token)
	return nil
}
