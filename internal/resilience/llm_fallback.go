package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/callrelay/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that starts each completion stream on the
// first completion backend whose breaker accepts it.
//
// Only the stream start fails over. Once fragments have been spoken to a
// caller, switching backend would repeat or contradict them, so errors after
// the first chunk belong to the consumer.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// StreamCompletion implements [llm.Provider].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Execute(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Status returns the breaker state of every backend, primary first.
func (f *LLMFallback) Status() []EntryStatus {
	return f.group.Status()
}

// Available reports whether any backend's breaker is not open.
func (f *LLMFallback) Available() bool {
	return f.group.Available()
}

// Describe renders the breaker states for a readiness report, e.g.
// "nim=closed openai=open".
func (f *LLMFallback) Describe() string {
	var b strings.Builder
	for i, st := range f.Status() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(st.Name)
		b.WriteByte('=')
		b.WriteString(st.State.String())
	}
	return b.String()
}
