package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/azsap/sapops/audit"
	"github.com/azsap/sapops/authz"
	"github.com/azsap/sapops/backend/azure"
	"github.com/azsap/sapops/backend/shell"
	"github.com/azsap/sapops/config"
	"github.com/azsap/sapops/dispatch"
	"github.com/azsap/sapops/registry"
)

// paramFlags collects repeated -param key=value arguments. Values that parse
// as integers or booleans are forwarded typed; everything else stays a string.
type paramFlags map[string]any

func (p paramFlags) String() string {
	pairs := make([]string, 0, len(p))
	for k, v := range p {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (p paramFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	if n, err := strconv.Atoi(value); err == nil {
		p[key] = n
		return nil
	}
	if b, err := strconv.ParseBool(value); err == nil {
		p[key] = b
		return nil
	}
	p[key] = value
	return nil
}

func runDispatch(args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to the configuration YAML file")
	system := fs.String("system", "", "System id")
	component := fs.String("component", "", "Component name")
	user := fs.String("user", "", "Username whose roles apply (required when auth is configured)")
	timeout := fs.Duration("timeout", 10*time.Minute, "Overall command timeout")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	params := paramFlags{}
	fs.Var(params, "param", "Operation parameter as key=value (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: sapopsctl dispatch -config <config.yaml> -system <id> -component <name> [options] <operation>

Run one catalog operation against a system component. The dispatch result is
printed as JSON on stdout; audit records go to stderr. The exit code is zero
only when every plane succeeded.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nExample:\n  sapopsctl dispatch -config landscape.yaml -system PRD -component db -user alice -param wait=true start_vm\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("operation name is required")
	}
	opName := fs.Arg(0)
	if *configFile == "" {
		return fmt.Errorf("-config is required")
	}
	if *system == "" || *component == "" {
		return fmt.Errorf("-system and -component are required")
	}

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed:\n%v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := registry.Build(cfg)

	var engine *authz.Engine
	principal := authz.Anonymous()
	if cfg.Auth != nil {
		engine = authz.NewEngine(cfg.Auth.RolePermissions, logger)
		if *user == "" {
			return fmt.Errorf("-user is required when auth is configured")
		}
		roles, ok := cfg.Auth.UserRoles[*user]
		if !ok {
			return fmt.Errorf("user %q has no configured roles", *user)
		}
		principal = authz.Principal{Username: *user, Roles: roles}
	} else {
		engine = authz.NewOpenEngine()
	}

	disp := dispatch.New(reg, engine, audit.NewLogger(os.Stderr), cfg.Dispatch, logger)
	defer disp.Close()

	shellExec := shell.New(logger)
	defer shellExec.Close()
	disp.RegisterExecutor(shellExec)

	if cfg.Azure != nil {
		cloudExec, err := azure.New(cfg.Azure, cfg.Dispatch, logger)
		if err != nil {
			return fmt.Errorf("failed to create azure clients: %w", err)
		}
		disp.RegisterExecutor(cloudExec)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	result := disp.Dispatch(ctx, principal, *system, *component, opName, params)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.Succeeded() {
		return fmt.Errorf("dispatch finished with status %s", result.Status)
	}
	return nil
}
