// Package completion turns a call transcript into a lazily consumed stream of
// reply fragments from a language-model provider.
//
// The [Client] knows nothing about the voice protocol: it maps transcript
// turns onto the provider's role vocabulary, prefixes the system
// instructions, issues one streaming request and hands back a [Stream] of
// non-empty text fragments. Framing and fallback replies belong to the caller.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
)

// ErrNotConfigured is returned by [Client.StreamReply] when no provider
// credential was configured. The request is never attempted.
var ErrNotConfigured = errors.New("completion: no provider configured")

// CompletionError reports a provider failure before or during streaming.
type CompletionError struct {
	// Provider is the configured provider name, if known.
	Provider string
	// Err is the underlying provider or transport error.
	Err error
}

func (e *CompletionError) Error() string {
	if e.Provider == "" {
		return "completion: " + e.Err.Error()
	}
	return fmt.Sprintf("completion: %s: %v", e.Provider, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// Sampling holds the generation parameters sent with every request.
type Sampling struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// DefaultSampling returns the parameters the relay was tuned with.
func DefaultSampling() Sampling {
	return Sampling{Temperature: 0.2, TopP: 0.7, MaxTokens: 1024}
}

// Option configures a [Client].
type Option func(*Client)

// WithInstructions sets the default system instructions.
func WithInstructions(s string) Option {
	return func(c *Client) { c.instructions = s }
}

// WithSampling sets the generation parameters. Default: [DefaultSampling].
func WithSampling(s Sampling) Option {
	return func(c *Client) { c.sampling = s }
}

// WithProviderName labels metrics, spans and errors with name.
func WithProviderName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the streaming completion client. It is safe for concurrent use;
// instructions and sampling may be swapped at runtime.
type Client struct {
	provider llm.Provider
	name     string
	metrics  *observe.Metrics

	mu           sync.RWMutex
	instructions string
	sampling     Sampling
}

// New creates a Client. p may be nil, in which case every StreamReply fails
// fast with [ErrNotConfigured].
func New(p llm.Provider, opts ...Option) *Client {
	c := &Client{
		provider: p,
		sampling: DefaultSampling(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Configured reports whether a provider is available.
func (c *Client) Configured() bool { return c.provider != nil }

// ProviderName returns the label set with [WithProviderName].
func (c *Client) ProviderName() string { return c.name }

// SetInstructions replaces the default system instructions.
func (c *Client) SetInstructions(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instructions = s
}

// Instructions returns the default system instructions.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// SetSampling replaces the generation parameters for subsequent requests.
func (c *Client) SetSampling(s Sampling) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sampling = s
}

// Sampling returns the current generation parameters.
func (c *Client) Sampling() Sampling {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sampling
}

// StreamReply starts one streaming completion for transcript. instructions
// overrides the client's default system instructions when non-empty.
//
// The returned Stream must be closed. Cancelling ctx stops the stream; the
// provider is not asked for further fragments.
func (c *Client) StreamReply(ctx context.Context, transcript []session.Turn, instructions string) (*Stream, error) {
	if c.provider == nil {
		return nil, &CompletionError{Provider: c.name, Err: ErrNotConfigured}
	}

	c.mu.RLock()
	if instructions == "" {
		instructions = c.instructions
	}
	sampling := c.sampling
	c.mu.RUnlock()

	req := llm.CompletionRequest{
		Messages:     toMessages(transcript),
		SystemPrompt: instructions,
		Temperature:  sampling.Temperature,
		TopP:         sampling.TopP,
		MaxTokens:    sampling.MaxTokens,
	}

	ctx, span := observe.StartSpan(ctx, "completion.stream",
		trace.WithAttributes(
			attribute.String("provider", c.name),
			attribute.Int("messages", len(req.Messages)),
		),
	)
	ctx, cancel := context.WithCancel(ctx)

	ch, err := c.provider.StreamCompletion(ctx, req)
	if err != nil {
		cancel()
		if ctx.Err() == nil {
			c.metrics.RecordProviderRequest(ctx, c.name, "error")
			c.metrics.RecordProviderError(ctx, c.name, "start")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream start failed")
		span.End()
		return nil, &CompletionError{Provider: c.name, Err: err}
	}

	return &Stream{
		ctx:     ctx,
		cancel:  cancel,
		ch:      ch,
		span:    span,
		name:    c.name,
		metrics: c.metrics,
	}, nil
}

// toMessages maps transcript turns onto provider roles. Turns with an
// unrecognised role are skipped.
func toMessages(transcript []session.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(transcript))
	for _, t := range transcript {
		var role string
		switch t.Role {
		case session.RoleAgent:
			role = llm.RoleAssistant
		case session.RoleUser:
			role = llm.RoleUser
		default:
			slog.Debug("completion: skipping turn with unknown role", "role", string(t.Role))
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	return msgs
}
