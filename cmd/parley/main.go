// Command parley is the main entry point for the Parley voice session daemon.
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

	"github.com/genpozi/parley/internal/app"
	"github.com/genpozi/parley/internal/config"
	"github.com/genpozi/parley/pkg/provider/realtime"
	"github.com/genpozi/parley/pkg/provider/realtime/gemini"
	"github.com/genpozi/parley/pkg/provider/realtime/openai"
	"github.com/genpozi/parley/pkg/provider/realtime/wsrelay"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Config watcher ────────────────────────────────────────────────────────
	// Log level changes apply to the running daemon; everything else takes
	// effect on the next session start and is only logged here.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(logLevel, old, new)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders lists the realtime backends that ship with Parley.
// Used for startup logging.
var builtinProviders = []string{"openai-realtime", "gemini-live", "wsrelay"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("openai-realtime", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.Register("gemini-live", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	// wsrelay is a self-hosted bridge; it uses BaseURL for the endpoint and an
	// optional bearer token for auth.
	reg.Register("wsrelay", func(entry config.ProviderEntry) (realtime.Provider, error) {
		token := entry.APIKey
		if token == "" {
			token = optString(entry.Options, "token")
		}
		var opts []wsrelay.Option
		if token != "" {
			opts = append(opts, wsrelay.WithToken(token))
		}
		return wsrelay.New(entry.BaseURL, opts...), nil
	})

	// Debug log of all registered providers.
	for _, name := range builtinProviders {
		slog.Debug("registered provider", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Parley — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Session", cfg.Session.Provider, sessionModel(cfg))
	fmt.Printf("║  Providers       : %-19d ║\n", len(cfg.Providers))
	fmt.Printf("║  Capture         : %-19s ║\n", audioValue(cfg.Audio.Capture.SampleRate, cfg.Audio.Capture.Channels))
	fmt.Printf("║  Playback        : %-19s ║\n", audioValue(cfg.Audio.Playback.SampleRate, cfg.Audio.Playback.Channels))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// sessionModel returns the model configured on the provider entry the session
// will connect to, if any.
func sessionModel(cfg *config.Config) string {
	for _, p := range cfg.Providers {
		if p.Name == cfg.Session.Provider {
			return p.Model
		}
	}
	return ""
}

// audioValue renders a device format for the summary box. Zero values show
// the pipeline defaults.
func audioValue(rate, channels int) string {
	if rate == 0 {
		rate = 48000
	}
	if channels == 0 {
		channels = 1
	}
	return fmt.Sprintf("%d Hz / %d ch", rate, channels)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process-wide text logger. The returned LevelVar lets
// the config watcher adjust verbosity without a restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

// slogLevel maps a config log level onto the slog scale. Unknown values fall
// back to info.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyConfigChange applies the safe subset of an on-disk config edit to the
// running daemon. Only the log level changes while running; everything else
// is logged so the operator knows what a restart would pick up.
func applyConfigChange(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "log_level", d.NewLogLevel)
	}
	if d.SessionChanged {
		slog.Info("session defaults changed; they apply to the next session start")
	}
	for _, pc := range d.ProviderChanges {
		switch {
		case pc.Added:
			slog.Info("provider added; it is usable on the next session start", "name", pc.Name)
		case pc.Removed:
			slog.Warn("provider removed; an active session keeps its connection", "name", pc.Name)
		default:
			slog.Info("provider entry changed; it applies to the next session start", "name", pc.Name)
		}
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
