// Package config provides the configuration schema, loader, and provider registry
// for the call relay.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the relay.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown or empty levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":3000"
	DefaultVoicePath       = "/llm-websocket"
	DefaultViewerPath      = "/ws-transcript"
	DefaultIdleTimeout     = 2 * time.Minute
	DefaultWriteTimeout    = 10 * time.Second
	DefaultFallbackMessage = "I'm sorry, I had trouble with that. Could you say it again?"
	DefaultTemperature     = 0.2
	DefaultTopP            = 0.7
	DefaultMaxTokens       = 1024
	DefaultMaxFrameBytes   = 4 << 20
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Relay     RelayConfig     `yaml:"relay"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares the completion providers. Each entry selects a
// named provider registered in the [Registry].
type ProvidersConfig struct {
	// LLM is the primary completion provider.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary cannot start a stream.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// Failover tunes the circuit breaker placed in front of each provider
	// when fallbacks are configured.
	Failover FailoverConfig `yaml:"failover"`
}

// FailoverConfig tunes per-provider circuit breakers. Zero values take the
// breaker defaults (5 failures, 30s).
type FailoverConfig struct {
	// MaxFailures is the run of failed stream starts that takes a provider
	// out of rotation.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a tripped provider stays out of rotation
	// before it is probed again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the configuration block shared by all providers.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "nim").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// RelayConfig holds the websocket routes, timeouts and reply behaviour.
type RelayConfig struct {
	// VoicePath is the route prefix for voice platform connections.
	VoicePath string `yaml:"voice_path"`

	// ViewerPath is the route prefix for transcript viewers.
	ViewerPath string `yaml:"viewer_path"`

	// IdleTimeout ends a voice connection that sends nothing for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// WriteTimeout bounds a single outbound websocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SystemPrompt is sent as the system instructions of every completion.
	SystemPrompt string `yaml:"system_prompt"`

	// SystemPromptFile, when set, is read at load time and replaces
	// SystemPrompt.
	SystemPromptFile string `yaml:"system_prompt_file"`

	// FallbackMessage is spoken when a reply cannot be produced.
	FallbackMessage string `yaml:"fallback_message"`

	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`

	// MaxFrameBytes caps the size of one inbound websocket message. Voice
	// frames carry the whole transcript, so the cap bounds call length. A
	// larger message closes the connection with status 1009.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// ViewerOrigins lists host patterns browsers may open viewer or voice
	// connections from (e.g., "dashboard.example.com", "*.example.com").
	ViewerOrigins []string `yaml:"viewer_origins"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	r := &cfg.Relay
	if r.VoicePath == "" {
		r.VoicePath = DefaultVoicePath
	}
	if r.ViewerPath == "" {
		r.ViewerPath = DefaultViewerPath
	}
	if r.IdleTimeout == 0 {
		r.IdleTimeout = DefaultIdleTimeout
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = DefaultWriteTimeout
	}
	if r.FallbackMessage == "" {
		r.FallbackMessage = DefaultFallbackMessage
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.TopP == 0 {
		r.TopP = DefaultTopP
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.MaxFrameBytes == 0 {
		r.MaxFrameBytes = DefaultMaxFrameBytes
	}
}
