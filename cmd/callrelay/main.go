// Command callrelay is the main entry point for the call relay server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callrelay/internal/app"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
	"github.com/MrWong99/callrelay/pkg/provider/llm/anyllm"
	"github.com/MrWong99/callrelay/pkg/provider/llm/openai"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	nimBaseURL      = "https://integrate.api.nvidia.com/v1"
	nimDefaultModel = "nvidia/llama-3.1-nemotron-nano-8b-v1"
)

// errMissingAPIKey is returned by hosted provider factories when no key is
// configured. The relay still starts; replies fall back to the apology.
var errMissingAPIKey = errors.New("missing api key")

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
			fmt.Fprintf(os.Stderr, "callrelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(level))

	slog.Info("callrelay starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Init(context.Background(), observe.TelemetryConfig{ServiceName: "callrelay", ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(tel.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler()),
		app.WithConfigWatch(*configPath, level),
		app.WithCloser(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(sctx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// Run has already shut down on cancellation; Shutdown is idempotent.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in completion provider factories
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai and nim speak the OpenAI chat completions API directly. nim is
	// the same client pointed at the NVIDIA endpoint.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		if entry.APIKey == "" {
			return nil, errMissingAPIKey
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("nim", func(entry config.ProviderEntry) (llm.Provider, error) {
		if entry.APIKey == "" {
			return nil, errMissingAPIKey
		}
		baseURL, model := entry.BaseURL, entry.Model
		if baseURL == "" {
			baseURL = nimBaseURL
		}
		if model == "" {
			model = nimDefaultModel
		}
		opts := []openai.Option{openai.WithBaseURL(baseURL)}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, model, opts...)
	})

	// The remaining hosted backends share the same pattern through any-llm:
	// required APIKey + optional BaseURL.
	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			if entry.APIKey == "" {
				return nil, errMissingAPIKey
			}
			opts := []anyllmlib.Option{anyllmlib.WithAPIKey(entry.APIKey)}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// Local servers use BaseURL for the address; a key is optional.
	for _, providerName := range []string{"ollama", "llamacpp", "llamafile"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	slog.Debug("registered providers", "kind", "llm", "names", reg.LLMNames())
}

// buildProviders instantiates the primary and fallback completion providers
// named in cfg. A provider without credentials is skipped with a warning so
// the relay can still serve calls with the fallback message.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	primary, err := createLLM(reg, cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	ps.Primary = primary

	for _, entry := range cfg.Providers.LLMFallbacks {
		fb, err := createLLM(reg, entry)
		if err != nil {
			return nil, err
		}
		if fb.Provider != nil {
			ps.Fallbacks = append(ps.Fallbacks, fb)
		}
	}

	if ps.Primary.Provider == nil && len(ps.Fallbacks) == 0 {
		slog.Warn("no completion provider available; every reply will be the fallback message")
	}
	return ps, nil
}

func createLLM(reg *config.Registry, entry config.ProviderEntry) (app.NamedLLM, error) {
	named := app.NamedLLM{Name: entry.Name}
	if entry.Name == "" {
		return named, nil
	}
	p, err := reg.CreateLLM(entry)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		slog.Warn("unknown provider; skipping", "kind", "llm", "name", entry.Name)
	case errors.Is(err, errMissingAPIKey):
		slog.Warn("provider has no api key; skipping", "kind", "llm", "name", entry.Name)
	case err != nil:
		return named, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	default:
		named.Provider = p
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}
	return named, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        callrelay: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", providerLabel(cfg.Providers.LLM))
	fmt.Printf("║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.LLMFallbacks))
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Voice path", cfg.Relay.VoicePath)
	printRow("Viewer path", cfg.Relay.ViewerPath)
	printRow("Idle timeout", cfg.Relay.IdleTimeout.String())
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level follows level, so a
// config reload can change verbosity in place.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "30s" from provider Options.
// Returns 0 when the key is absent or unparsable.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
