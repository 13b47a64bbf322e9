// Command duplex is the main entry point for the duplex voice I/O server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/duplex/internal/app"
	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "how often the config file is checked for changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher performs the initial load; Reload is bound once the app
	// exists, before the watcher starts polling.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(oldCfg, newCfg *config.Config) {
		application.Reload(oldCfg, newCfg)
	}, config.WithInterval(*reloadEvery))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplex: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplex: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(levelVar))

	slog.Info("duplex starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine and device registry ────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, reg,
		app.WithLogLevel(levelVar),
		app.WithWatcher(watcher),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        duplex: startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEngine(cfg, "Capture", cfg.Capture.Engine, cfg.Capture.Fallback)
	printEngine(cfg, "Synthesis", cfg.Synthesis.Engine, cfg.Synthesis.Fallback)
	printRow("Capture device", deviceName(cfg.Capture.Device))
	printRow("Playback device", deviceName(cfg.Synthesis.Device))
	if cfg.Guidance.BaseURL != "" {
		printRow("Guidance", "remote")
	} else {
		printRow("Guidance", "(fallback only)")
	}
	if cfg.Assistant.Enabled {
		printRow("Assistant", "enabled")
	} else {
		printRow("Assistant", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEngine(cfg *config.Config, kind, id string, fallback []string) {
	value := "(not configured)"
	if id != "" {
		entry := cfg.Engines[id]
		value = entry.Name
		if entry.Model != "" {
			value += " / " + entry.Model
		}
		if len(fallback) > 0 {
			value += " +" + fmt.Sprint(len(fallback))
		}
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func deviceName(d config.DeviceEntry) string {
	name := d.Name
	if name == "" {
		name = "alsa"
	}
	if d.Device != "" {
		return name + ":" + d.Device
	}
	return name
}

// newLogger returns a text logger whose level follows lv.
func newLogger(lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// bearer formats an API token as an Authorization header value. Values that
// already carry a scheme are returned unchanged.
func bearer(token string) string {
	if strings.ContainsRune(token, ' ') {
		return token
	}
	return "Bearer " + token
}
