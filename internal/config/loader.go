package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the primary LLM provider entry.
const (
	EnvLLMAPIKey  = "RELAY_LLM_API_KEY"
	EnvLLMBaseURL = "RELAY_LLM_BASE_URL"
	EnvLLMModel   = "RELAY_LLM_MODEL"
)

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"openai", "nim", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied. A relative
// relay.system_prompt_file is resolved against the directory of path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(bytes.NewReader(data), filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. A relative
// relay.system_prompt_file is resolved against the working directory.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, "")
}

func parse(r io.Reader, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	ApplyDefaults(cfg)
	ApplyEnv(cfg)

	if p := cfg.Relay.SystemPromptFile; p != "" {
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		prompt, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("config: read relay.system_prompt_file: %w", err)
		}
		cfg.Relay.SystemPrompt = strings.TrimSpace(string(prompt))
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the primary LLM provider entry from the environment.
// Empty variables are ignored.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		cfg.Providers.LLM.APIKey = v
	}
	if v := os.Getenv(EnvLLMBaseURL); v != "" {
		cfg.Providers.LLM.BaseURL = v
	}
	if v := os.Getenv(EnvLLMModel); v != "" {
		cfg.Providers.LLM.Model = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; every reply will be answered with the fallback message")
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		prefix := fmt.Sprintf("providers.llm_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
	}
	if cfg.Providers.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.failover.max_failures %d must not be negative", cfg.Providers.Failover.MaxFailures))
	}
	if cfg.Providers.Failover.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("providers.failover.reset_timeout %s must not be negative", cfg.Providers.Failover.ResetTimeout))
	}

	// Relay
	r := cfg.Relay
	for _, p := range []struct{ field, value string }{
		{"relay.voice_path", r.VoicePath},
		{"relay.viewer_path", r.ViewerPath},
	} {
		if p.value != "" && !strings.HasPrefix(p.value, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", p.field, p.value))
		}
	}
	if r.VoicePath != "" && strings.TrimSuffix(r.VoicePath, "/") == strings.TrimSuffix(r.ViewerPath, "/") {
		errs = append(errs, fmt.Errorf("relay.voice_path and relay.viewer_path must differ (both %q)", r.VoicePath))
	}
	if r.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.idle_timeout %s must not be negative", r.IdleTimeout))
	}
	if r.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.write_timeout %s must not be negative", r.WriteTimeout))
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		errs = append(errs, fmt.Errorf("relay.temperature %.2f is out of range [0, 2]", r.Temperature))
	}
	if r.TopP < 0 || r.TopP > 1 {
		errs = append(errs, fmt.Errorf("relay.top_p %.2f is out of range [0, 1]", r.TopP))
	}
	if r.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("relay.max_tokens %d must not be negative", r.MaxTokens))
	}
	if r.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.max_frame_bytes %d must not be negative", r.MaxFrameBytes))
	}
	if strings.TrimSpace(r.SystemPrompt) == "" && r.SystemPromptFile == "" {
		slog.Warn("relay.system_prompt is empty; completions are sent without system instructions")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
