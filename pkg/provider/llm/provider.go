// Package llm defines the Provider interface for streaming text-completion
// backends.
//
// A provider wraps a remote or local chat-completion API (OpenAI, an
// OpenAI-compatible NVIDIA NIM endpoint, Anthropic, a local Ollama instance,
// ...) and exposes a single streaming call so the relay can speak a reply
// while it is still being generated.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Role values understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks the terminal chunk of a stream that broke off.
const FinishReasonError = "error"

// Message is a single entry in the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is injected before Messages as a "system" message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// TopP is the nucleus sampling mass in (0, 1]. Zero uses the provider
	// default.
	TopP float64

	// MaxTokens caps the number of generated tokens. Zero uses the provider
	// default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text of this chunk. May be empty.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// [FinishReasonError] when the stream broke off.
	FinishReason string

	// Err is set together with FinishReasonError and carries the cause.
	Err error
}

// Provider is the abstraction over any streaming completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or ctx is cancelled.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting (bad credentials, transport failure, error status).
	// Failures after the first chunk are delivered as a final Chunk with
	// FinishReason == FinishReasonError.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
