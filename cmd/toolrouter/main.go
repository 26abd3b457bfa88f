// Command toolrouter routes natural-language chat to the HTTP endpoints of a
// configured API.
//
// Usage:
//
//	toolrouter [serve]  -config config.yaml            run the HTTP server
//	toolrouter index    -config config.yaml -catalog endpoints.yaml
//	toolrouter migrate  -config config.yaml            create the catalog schema
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/toolrouter/internal/app"
	"github.com/MrWong99/toolrouter/internal/config"
	"github.com/MrWong99/toolrouter/internal/observe"
	"github.com/MrWong99/toolrouter/pkg/catalog/postgres"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serve(args)
	case "index":
		return index(args)
	case "migrate":
		return migrate(args)
	case "version":
		fmt.Println("toolrouter", version)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "toolrouter: unknown command %q (want serve, index, migrate or version)\n", cmd)
		return 2
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serve(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	watch := fs.Bool("watch", true, "reload routing knobs, prompts and log level when the config file changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, level, ok := setup(*configPath)
	if !ok {
		return 1
	}

	slog.Info("toolrouter starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "toolrouter",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, tel.Metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(level),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, _, ok := setup(*configPath)
	if !ok {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dims := cfg.Catalog.EmbeddingDimensions
	if dims <= 0 {
		reg := config.NewRegistry()
		registerBuiltinProviders(reg)
		embed, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			slog.Error("failed to create embeddings provider", "err", err)
			return 1
		}
		dims = embed.Dimensions()
	}
	if dims <= 0 {
		slog.Error("embedding dimensions unknown; set catalog.embedding_dimensions")
		return 1
	}

	pool, err := pgxpool.New(ctx, cfg.Catalog.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to catalog database", "err", err)
		return 1
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, dims); err != nil {
		slog.Error("migration failed", "err", err)
		return 1
	}
	slog.Info("catalog schema ready", "dimensions", dims)
	return 0
}

// ── Shared setup ──────────────────────────────────────────────────────────────

// setup loads the config and installs the default logger. The returned
// LevelVar lets the log level change at runtime.
func setup(configPath string) (*config.Config, *slog.LevelVar, bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "toolrouter: config file %q not found\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "toolrouter: %v\n", err)
		}
		return nil, nil, false
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))
	return cfg, level, true
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      toolrouter - startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Embeddings", cfg.Providers.Embeddings)
	printProvider("Rerank", cfg.Providers.Rerank)
	printProvider("LLM", cfg.Providers.LLM)
	fmt.Printf("║  Top K           : %-19d ║\n", cfg.Routing.TopK)
	fmt.Printf("║  Threshold       : %-19.2f ║\n", cfg.Routing.RerankThreshold)
	fmt.Printf("║  Dispatch to     : %-19s ║\n", clip(cfg.Dispatch.BaseURL))
	if cfg.MCP.Enabled {
		fmt.Printf("║  MCP endpoint    : %-19s ║\n", clip(cfg.MCP.Path))
	} else {
		fmt.Printf("║  MCP endpoint    : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", clip(cfg.Server.ListenAddr))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, e config.ProviderEntry) {
	value := e.Name
	if value == "" {
		value = "(not configured)"
	} else if e.Model != "" {
		value = e.Name + " / " + e.Model
	}
	if n := len(e.Fallbacks); n > 0 {
		value = fmt.Sprintf("%s +%d", value, n)
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, clip(value))
}

func clip(s string) string {
	if len([]rune(s)) > 19 {
		return string([]rune(s)[:18]) + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
