// Command dialog is the main entry point for the DiaLog voice logging server.
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

	"github.com/dialoghealth/dialog/internal/app"
	"github.com/dialoghealth/dialog/internal/config"
	"github.com/dialoghealth/dialog/internal/observe"
	"github.com/dialoghealth/dialog/internal/resilience"
	"github.com/dialoghealth/dialog/pkg/provider/live"
	geminilive "github.com/dialoghealth/dialog/pkg/provider/live/gemini"
	"github.com/dialoghealth/dialog/pkg/provider/tts"
	"github.com/dialoghealth/dialog/pkg/provider/tts/elevenlabs"
	geminitts "github.com/dialoghealth/dialog/pkg/provider/tts/gemini"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

// run starts the server and blocks until parent is cancelled or a signal
// arrives. It returns the process exit code.
func run(parent context.Context, args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("dialog", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dialog: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dialog: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	slog.Info("dialog starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "dialog",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with DiaLog
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini", func(_ context.Context, entry config.ProviderEntry) (live.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(slog.Default().With("provider", "gemini-live"))}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTTS("gemini", func(ctx context.Context, entry config.ProviderEntry) (tts.Provider, error) {
		var opts []geminitts.Option
		if entry.Model != "" {
			opts = append(opts, geminitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminitts.WithBaseURL(entry.BaseURL))
		}
		if v := optString(entry.Options, "voice"); v != "" {
			opts = append(opts, geminitts.WithDefaultVoice(v))
		}
		return geminitts.New(ctx, entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(_ context.Context, entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if v := optString(entry.Options, "voice"); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// buildProviders instantiates the providers named in cfg. The live provider
// is required; speech providers that fail to build only narrow or disable
// replay.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateLive(ctx, cfg.Providers.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Providers.Live.Name, err)
	}
	ps.Live = p
	slog.Info("provider created", "kind", "live", "name", cfg.Providers.Live.Name)

	ps.TTS = buildSpeech(ctx, cfg, reg)
	return ps, nil
}

// buildSpeech creates the speech provider chain: providers.tts followed by
// providers.tts_fallbacks. Entries that fail to build are skipped. A chain of
// more than one backend is wrapped in a [resilience.SpeechFallback].
func buildSpeech(ctx context.Context, cfg *config.Config, reg *config.Registry) tts.Provider {
	var entries []config.ProviderEntry
	if cfg.Providers.TTS.Name != "" {
		entries = append(entries, cfg.Providers.TTS)
	}
	entries = append(entries, cfg.Providers.TTSFallbacks...)

	var chain *resilience.SpeechFallback
	var first tts.Provider
	for _, entry := range entries {
		p, err := reg.CreateTTS(ctx, entry)
		if err != nil {
			slog.Warn("speech provider skipped", "name", entry.Name, "err", err)
			continue
		}
		slog.Info("provider created", "kind", "tts", "name", entry.Name)
		switch {
		case first == nil:
			first = p
			chain = resilience.NewSpeechFallback(p, entry.Name, resilience.FallbackConfig{})
		default:
			chain.AddFallback(entry.Name, p)
		}
	}
	if first == nil {
		slog.Warn("speech replay disabled, no speech provider available")
		return nil
	}
	if chain.Len() == 1 {
		return first
	}
	return chain
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          DiaLog startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", providerLabel(cfg.Providers.Live))
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	if n := len(cfg.Providers.TTSFallbacks); n > 0 {
		printRow("Fallbacks", fmt.Sprint(n))
	}
	printRow("Store", string(cfg.Store.Backend))
	printRow("Patient", cfg.Patient.Name)
	printRow("Language", cfg.Patient.Language)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(label, value string) {
	if value == "" {
		value = "(unset)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
