package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SystemPromptChanged bool
	NewSystemPrompt     string

	FallbackMessageChanged bool
	NewFallbackMessage     string

	SamplingChanged bool // temperature, top_p or max_tokens

	// RestartRequired is set when a field outside the hot-reloadable set
	// changed (listen address, routes, timeouts, providers).
	RestartRequired bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SystemPromptChanged || d.FallbackMessageChanged || d.SamplingChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	or, nr := old.Relay, new.Relay
	if or.SystemPrompt != nr.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = nr.SystemPrompt
	}
	if or.FallbackMessage != nr.FallbackMessage {
		d.FallbackMessageChanged = true
		d.NewFallbackMessage = nr.FallbackMessage
	}
	if or.Temperature != nr.Temperature || or.TopP != nr.TopP || or.MaxTokens != nr.MaxTokens {
		d.SamplingChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		or.VoicePath != nr.VoicePath ||
		or.ViewerPath != nr.ViewerPath ||
		or.IdleTimeout != nr.IdleTimeout ||
		or.WriteTimeout != nr.WriteTimeout ||
		or.MaxFrameBytes != nr.MaxFrameBytes ||
		!slices.Equal(or.ViewerOrigins, nr.ViewerOrigins) ||
		!sameEntry(old.Providers.LLM, new.Providers.LLM) ||
		old.Providers.Failover != new.Providers.Failover ||
		len(old.Providers.LLMFallbacks) != len(new.Providers.LLMFallbacks) {
		d.RestartRequired = true
	}
	if !d.RestartRequired {
		for i := range old.Providers.LLMFallbacks {
			if !sameEntry(old.Providers.LLMFallbacks[i], new.Providers.LLMFallbacks[i]) {
				d.RestartRequired = true
				break
			}
		}
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
