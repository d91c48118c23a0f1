package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

providers:
  llm:
    name: nim
    api_key: nvapi-test
    base_url: https://integrate.api.nvidia.com/v1
    model: nvidia/llama-3.1-nemotron-nano-8b-v1
  llm_fallbacks:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini

relay:
  voice_path: /llm-websocket
  viewer_path: /ws-transcript
  idle_timeout: 90s
  write_timeout: 5s
  system_prompt: You are Sam, a friendly real estate agent.
  fallback_message: Sorry, could you repeat that?
  temperature: 0.3
  top_p: 0.8
  max_tokens: 512
  viewer_origins:
    - dashboard.example.com
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Providers.LLM.Name != "nim" {
		t.Errorf("providers.llm.name: got %q, want %q", cfg.Providers.LLM.Name, "nim")
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "openai" {
		t.Errorf("providers.llm_fallbacks: got %+v", cfg.Providers.LLMFallbacks)
	}
	r := cfg.Relay
	if r.IdleTimeout != 90*time.Second {
		t.Errorf("relay.idle_timeout: got %s, want 90s", r.IdleTimeout)
	}
	if r.WriteTimeout != 5*time.Second {
		t.Errorf("relay.write_timeout: got %s, want 5s", r.WriteTimeout)
	}
	if r.SystemPrompt != "You are Sam, a friendly real estate agent." {
		t.Errorf("relay.system_prompt: got %q", r.SystemPrompt)
	}
	if r.Temperature != 0.3 || r.TopP != 0.8 || r.MaxTokens != 512 {
		t.Errorf("sampling: got %v/%v/%v, want 0.3/0.8/512", r.Temperature, r.TopP, r.MaxTokens)
	}
	if len(r.ViewerOrigins) != 1 || r.ViewerOrigins[0] != "dashboard.example.com" {
		t.Errorf("relay.viewer_origins: got %v", r.ViewerOrigins)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	// An empty config should succeed (no required top-level fields).
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr default: got %q", cfg.Server.ListenAddr)
	}
}

func TestLoadFromReader_EmptyDocument(t *testing.T) {
	if _, err := config.LoadFromReader(strings.NewReader("")); err != nil {
		t.Fatalf("unexpected error for empty document: %v", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("relay:\n  voice_pth: /x\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	if cfg.Server.ListenAddr != ":3000" {
		t.Errorf("listen_addr: got %q, want :3000", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want info", cfg.Server.LogLevel)
	}
	r := cfg.Relay
	if r.VoicePath != "/llm-websocket" || r.ViewerPath != "/ws-transcript" {
		t.Errorf("paths: got %q, %q", r.VoicePath, r.ViewerPath)
	}
	if r.IdleTimeout != 2*time.Minute || r.WriteTimeout != 10*time.Second {
		t.Errorf("timeouts: got %s, %s", r.IdleTimeout, r.WriteTimeout)
	}
	if r.Temperature != 0.2 || r.TopP != 0.7 || r.MaxTokens != 1024 {
		t.Errorf("sampling: got %v/%v/%v, want 0.2/0.7/1024", r.Temperature, r.TopP, r.MaxTokens)
	}
	if r.FallbackMessage != config.DefaultFallbackMessage {
		t.Errorf("fallback_message: got %q", r.FallbackMessage)
	}
	if r.MaxFrameBytes != config.DefaultMaxFrameBytes {
		t.Errorf("max_frame_bytes: got %d", r.MaxFrameBytes)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := &config.Config{Relay: config.RelayConfig{VoicePath: "/voice", MaxTokens: 64}}
	config.ApplyDefaults(cfg)
	if cfg.Relay.VoicePath != "/voice" || cfg.Relay.MaxTokens != 64 {
		t.Errorf("explicit values overwritten: %+v", cfg.Relay)
	}
}

func TestLoadFromReader_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvLLMAPIKey, "env-key")
	t.Setenv(config.EnvLLMBaseURL, "http://localhost:8000/v1")
	t.Setenv(config.EnvLLMModel, "env-model")

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	llmEntry := cfg.Providers.LLM
	if llmEntry.APIKey != "env-key" || llmEntry.BaseURL != "http://localhost:8000/v1" || llmEntry.Model != "env-model" {
		t.Errorf("env overrides not applied: %+v", llmEntry)
	}
	if cfg.Providers.LLMFallbacks[0].APIKey != "sk-test" {
		t.Error("env overrides must not touch fallback providers")
	}
}

func TestLoad_SystemPromptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prompt.txt"), []byte("  From a file.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "relay.yaml")
	yaml := "relay:\n  system_prompt: inline\n  system_prompt_file: prompt.txt\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.SystemPrompt != "From a file." {
		t.Errorf("system_prompt: got %q, want %q", cfg.Relay.SystemPrompt, "From a file.")
	}
}

func TestLoad_MissingSystemPromptFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(cfgPath, []byte("relay:\n  system_prompt_file: nope.txt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := config.Load(cfgPath)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownLLM(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown LLM provider")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubLLM{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received entry %+v", gotEntry)
	}
}

func TestRegistry_LLMNames(t *testing.T) {
	reg := config.NewRegistry()
	factory := func(config.ProviderEntry) (llm.Provider, error) { return &stubLLM{}, nil }
	reg.RegisterLLM("openai", factory)
	reg.RegisterLLM("anthropic", factory)
	reg.RegisterLLM("openai", factory)

	names := reg.LLMNames()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Errorf("LLMNames = %v, want [anthropic openai]", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// ── Stub implementations ─────────────────────────────────────────────────────

// stubLLM implements llm.Provider with a closed stream.
type stubLLM struct{}

func (s *stubLLM) StreamCompletion(_ context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}
