// Package app wires the relay's subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and websocket traffic on one listener until
// its context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithMetricsHandler, WithListener). Handler exposes the complete route table so tests can mount
// it on an httptest server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/completion"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/fanout"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/router"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/internal/voice"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// NamedLLM is a completion provider together with the name it was
// configured under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the completion providers built by main.go via the config
// registry. A nil Primary means no provider is configured; the relay still
// starts and answers every reply with the fallback message.
type Providers struct {
	Primary   NamedLLM
	Fallbacks []NamedLLM
}

// App owns all subsystem lifetimes and serves the relay.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems: initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	registry  *session.Registry
	hub       *fanout.Hub
	failover  *resilience.LLMFallback
	completer *completion.Client
	endpoint  *voice.Endpoint
	router    *router.Router
	health    *health.Handler
	handler   http.Handler

	metricsHandler http.Handler

	configPath string
	logLevel   *slog.LevelVar
	listener   net.Listener

	mu      sync.Mutex
	srv     *http.Server
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metrics sink instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithConfigWatch makes Run poll the config file at path and apply
// hot-reloadable changes (log level, system prompt, fallback message,
// sampling). level, if non-nil, is the level of the default logger.
func WithConfigWatch(path string, level *slog.LevelVar) Option {
	return func(a *App) {
		a.configPath = path
		a.logLevel = level
	}
}

// WithCloser registers fn to run during Shutdown, after the server stopped.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers may be nil.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	relay := cfg.Relay

	// ── 1. Session registry + fan-out ────────────────────────────────────
	a.registry = session.NewRegistry()
	a.hub = fanout.New(a.registry,
		fanout.WithWriteTimeout(relay.WriteTimeout),
		fanout.WithMetrics(a.metrics),
	)

	// ── 2. Completion client ─────────────────────────────────────────────
	provider, name := a.buildProvider()
	a.completer = completion.New(provider,
		completion.WithInstructions(relay.SystemPrompt),
		completion.WithSampling(samplingFrom(relay)),
		completion.WithProviderName(name),
		completion.WithMetrics(a.metrics),
	)

	// ── 3. Voice endpoint ────────────────────────────────────────────────
	a.endpoint = voice.New(a.registry, a.hub, a.completer,
		voice.WithIdleTimeout(relay.IdleTimeout),
		voice.WithWriteTimeout(relay.WriteTimeout),
		voice.WithFallbackMessage(relay.FallbackMessage),
		voice.WithMetrics(a.metrics),
	)

	// ── 4. Router ────────────────────────────────────────────────────────
	a.router = router.New(a.endpoint, a.hub,
		router.WithVoicePath(relay.VoicePath),
		router.WithViewerPath(relay.ViewerPath),
		router.WithOriginPatterns(relay.ViewerOrigins...),
		router.WithReadLimit(relay.MaxFrameBytes),
	)

	// ── 5. Health + route table ──────────────────────────────────────────
	var group health.Availability
	if a.failover != nil {
		group = a.failover
	}
	a.health = health.New(
		health.Completion(a.completer, group),
		health.Registry(a.registry),
	)
	a.handler = a.routes()

	return a, nil
}

// buildProvider returns the provider the completion client streams from. With
// fallbacks configured it is a failover group over all of them.
func (a *App) buildProvider() (llm.Provider, string) {
	entries := make([]NamedLLM, 0, 1+len(a.providers.Fallbacks))
	if a.providers.Primary.Provider != nil {
		entries = append(entries, a.providers.Primary)
	}
	for _, fb := range a.providers.Fallbacks {
		if fb.Provider != nil {
			entries = append(entries, fb)
		}
	}

	switch len(entries) {
	case 0:
		return nil, a.providers.Primary.Name
	case 1:
		return entries[0].Provider, entries[0].Name
	}

	fo := a.cfg.Providers.Failover
	a.failover = resilience.NewLLMFallback(entries[0].Provider, entries[0].Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:   fo.MaxFailures,
			ResetTimeout:  fo.ResetTimeout,
			OnStateChange: a.breakerChanged,
		},
	})
	for _, e := range entries[1:] {
		a.failover.AddFallback(e.Name, e.Provider)
	}
	slog.Info("completion failover enabled", "primary", entries[0].Name, "fallbacks", len(entries)-1)
	return a.failover, entries[0].Name
}

// breakerChanged logs and counts a provider circuit breaker transition.
func (a *App) breakerChanged(provider string, from, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), provider, to.String())
	if to == resilience.StateOpen {
		slog.Warn("completion provider taken out of rotation", "provider", provider, "from", from.String())
		return
	}
	slog.Info("completion provider breaker changed", "provider", provider, "from", from.String(), "to", to.String())
}

// routes builds the route table: plain HTTP endpoints behind the observe
// middleware, everything else to the websocket router.
func (a *App) routes() http.Handler {
	plain := http.NewServeMux()
	a.health.Register(plain)
	plain.Handle("GET /metrics", a.metricsHandler)
	instrumented := observe.Middleware(a.metrics,
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(plain)

	mux := http.NewServeMux()
	mux.Handle("/healthz", instrumented)
	mux.Handle("/readyz", instrumented)
	mux.Handle("/metrics", instrumented)
	mux.Handle("/", a.router)
	return mux
}

// Handler returns the complete route table.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves until ctx is cancelled or the server fails. Cancelling ctx
// closes every open voice connection with "going away", which ends each
// call normally, then shuts the server down.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.mu.Lock()
	a.srv = srv
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("relay listening", "addr", ln.Addr().String(),
			"voice_path", a.cfg.Relay.VoicePath, "viewer_path", a.cfg.Relay.ViewerPath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyReload)
		if err != nil {
			slog.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			a.mu.Lock()
			a.watcher = w
			a.mu.Unlock()
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

// applyReload applies the hot-reloadable subset of a config change.
func (a *App) applyReload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SystemPromptChanged {
		a.completer.SetInstructions(d.NewSystemPrompt)
		slog.Info("system prompt reloaded", "chars", len(d.NewSystemPrompt))
	}
	if d.FallbackMessageChanged {
		a.endpoint.SetFallbackMessage(d.NewFallbackMessage)
		slog.Info("fallback message reloaded")
	}
	if d.SamplingChanged {
		s := samplingFrom(new.Relay)
		a.completer.SetSampling(s)
		slog.Info("sampling reloaded", "temperature", s.Temperature, "top_p", s.TopP, "max_tokens", s.MaxTokens)
	}
	if d.RestartRequired {
		slog.Warn("config changes outside the hot-reloadable set need a restart to take effect")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the config watcher, stops accepting connections, waits for
// open websocket connections to finish their end-of-call path and runs the
// closers. It respects the context deadline: remaining steps are skipped
// and the context error is returned once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.registry.Len(), "closers", len(a.closers))

		a.mu.Lock()
		srv, w := a.srv, a.watcher
		a.mu.Unlock()

		if w != nil {
			w.Stop()
		}
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = err
			}
		}
		if err := a.router.Wait(ctx); err != nil {
			slog.Warn("websocket connections still open at shutdown deadline", "sessions", a.registry.Len())
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// samplingFrom converts relay settings to completion sampling parameters.
func samplingFrom(r config.RelayConfig) completion.Sampling {
	return completion.Sampling{
		Temperature: r.Temperature,
		TopP:        r.TopP,
		MaxTokens:   r.MaxTokens,
	}
}
