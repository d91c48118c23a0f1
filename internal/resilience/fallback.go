package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no backend in a [FallbackGroup] accepted
// the call.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the breaker template applied to every backend of a
// [FallbackGroup]. The Name field is overwritten per backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each with
// its own breaker. Backends are added before the group is shared between
// goroutines; after that it is safe for concurrent use.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its preferred backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend. Backends are tried in the order added.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{value: v, breaker: NewCircuitBreaker(bc)})
}

// Execute runs fn against each backend in order and returns the first
// success. Backends with an open breaker are skipped. An error the breaker
// does not count as a failure, such as caller cancellation, is returned
// immediately. When every backend fails the result wraps [ErrAllFailed] and
// the last error.
func Execute[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.members {
		m := &fg.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider with open circuit", "provider", m.breaker.Name())
		case !m.breaker.cfg.IsFailure(err):
			return zero, err
		default:
			slog.Warn("provider failed, trying next", "provider", m.breaker.Name(), "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// EntryStatus is the breaker state of one backend.
type EntryStatus struct {
	Name  string
	State State
}

// Status returns the breaker state of every backend, primary first.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, 0, len(fg.members))
	for _, m := range fg.members {
		out = append(out, EntryStatus{Name: m.breaker.Name(), State: m.breaker.State()})
	}
	return out
}

// Available reports whether at least one backend would accept a call now.
func (fg *FallbackGroup[T]) Available() bool {
	for _, m := range fg.members {
		if m.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}
