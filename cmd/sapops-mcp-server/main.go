// Command sapops-mcp-server starts the SAP landscape MCP (Model Context
// Protocol) server.
//
// The server runs over stdio by default, making it compatible with any
// MCP-capable AI client; the sse transport serves the same protocol over
// HTTP together with /healthz and /metrics. All state lives in the
// configuration file: the landscape, Azure mapping, users and roles, HANA
// endpoints, and dispatch tunables.
//
// Usage:
//
//	sapops-mcp-server -config landscape.yaml [options]
//
// Options:
//
//	-config string      Path to the configuration YAML file (required)
//	-transport string   Transport: stdio or sse (overrides config)
//	-addr string        Listen address for the sse transport (overrides config)
//	-log-level string   Log level: debug, info, warn, error (default "info")
//	-log-format string  Log format: text or json (default "text")
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/azsap/sapops/audit"
	"github.com/azsap/sapops/authz"
	"github.com/azsap/sapops/backend/azure"
	"github.com/azsap/sapops/backend/shell"
	"github.com/azsap/sapops/config"
	"github.com/azsap/sapops/dispatch"
	"github.com/azsap/sapops/hana"
	"github.com/azsap/sapops/mcp"
	"github.com/azsap/sapops/metrics"
	"github.com/azsap/sapops/observability/tracing"
	"github.com/azsap/sapops/registry"
)

var (
	configFile  = flag.String("config", "", "Path to the configuration YAML file")
	transport   = flag.String("transport", "", "MCP transport: stdio or sse (overrides config)")
	addr        = flag.String("addr", "", "Listen address for the sse transport (overrides config)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "text", "Log format: text or json")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sapops-mcp-server %s\n", mcp.Version)
		os.Exit(0)
	}

	// The stdio transport owns stdout, so logs always go to stderr.
	logger := newLogger(os.Stderr, *logLevel, *logFormat)
	slog.SetDefault(logger)

	if *configFile == "" {
		log.Fatalf("No configuration file given; use -config")
	}
	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *transport != "" {
		cfg.Server.Transport = *transport
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}

	reg := registry.Build(cfg)

	auditSink := io.Writer(os.Stderr)
	if cfg.Server.AuditLog != "" {
		f, err := os.OpenFile(cfg.Server.AuditLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			log.Fatalf("Failed to open audit log: %v", err)
		}
		defer f.Close()
		auditSink = f
	}
	auditLog := audit.NewLogger(auditSink)

	var engine *authz.Engine
	var opts []mcp.ServerOption
	if cfg.Auth != nil {
		engine = authz.NewEngine(cfg.Auth.RolePermissions, logger)
		auth := authz.NewAuthenticator(cfg.Auth.Users, cfg.Auth.UserRoles, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std(), logger)
		opts = append(opts, mcp.WithAuthenticator(auth))
	} else {
		engine = authz.NewOpenEngine()
		logger.Warn("No auth section configured; every caller holds every permission")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Tracing.Enabled {
		provider, err := tracing.NewProvider(ctx, tracing.Config{
			Endpoint:       cfg.Server.Tracing.Endpoint,
			ServiceName:    "sapops-mcp-server",
			ServiceVersion: mcp.Version,
			Insecure:       cfg.Server.Tracing.Insecure,
			SampleRate:     cfg.Server.Tracing.SampleRate,
		})
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Trace provider shutdown", "error", err)
			}
		}()
		logger.Info("Tracing enabled", "endpoint", cfg.Server.Tracing.Endpoint)
	}

	disp := dispatch.New(reg, engine, auditLog, cfg.Dispatch, logger)
	defer disp.Close()

	shellExec := shell.New(logger)
	defer shellExec.Close()
	disp.RegisterExecutor(shellExec)

	if cfg.Azure != nil {
		cloudExec, err := azure.New(cfg.Azure, cfg.Dispatch, logger)
		if err != nil {
			log.Fatalf("Failed to create Azure clients: %v", err)
		}
		disp.RegisterExecutor(cloudExec)
		opts = append(opts, mcp.WithVMLister(cloudExec.VMs(), cfg.Azure.DefaultResourceGroup))

		if cfg.Azure.BackupContainerURL != "" {
			cred, err := azure.NewCredential(cfg.Azure, logger)
			if err != nil {
				log.Fatalf("Failed to create Azure credential: %v", err)
			}
			blobs, err := azure.NewBlobLister(cfg.Azure.BackupContainerURL, cred)
			if err != nil {
				log.Fatalf("Failed to create blob lister: %v", err)
			}
			opts = append(opts, mcp.WithBlobLister(blobs))
		}
	}

	if cfg.HANA != nil {
		hanaClient := hana.NewClient(cfg.HANA, reg, logger)
		defer hanaClient.Close()
		opts = append(opts, mcp.WithHANA(hanaClient))
	}

	if cfg.Server.MetricsEnabled {
		collector := metrics.NewCollector()
		disp.SetMetrics(collector)
		opts = append(opts, mcp.WithMetrics(collector))
	}

	srv := mcp.NewServer(reg, disp, engine, auditLog, opts...)

	switch cfg.Server.Transport {
	case config.TransportSSE:
		logger.Info("Starting MCP server", "transport", "sse", "addr", cfg.Server.ListenAddr, "systems", len(reg.Systems()))
		if err := srv.ServeSSE(ctx, cfg.Server.ListenAddr); err != nil {
			log.Fatalf("MCP server error: %v", err)
		}
	case config.TransportStdio:
		logger.Info("Starting MCP server", "transport", "stdio", "systems", len(reg.Systems()))
		if err := srv.ServeStdio(); err != nil {
			log.Fatalf("MCP server error: %v", err)
		}
	default:
		log.Fatalf("Unknown transport %q", cfg.Server.Transport)
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	o := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, o))
	}
	return slog.New(slog.NewTextHandler(w, o))
}
