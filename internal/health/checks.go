package health

import (
	"context"
	"errors"
	"fmt"
)

// Errors reported by [Completion].
var (
	ErrNoProvider       = errors.New("no completion provider configured")
	ErrProvidersTripped = errors.New("every completion provider has an open circuit breaker")
)

// Configured is implemented by *completion.Client.
type Configured interface {
	Configured() bool
}

// Availability is implemented by *resilience.LLMFallback.
type Availability interface {
	Available() bool
	Describe() string
}

// Counter is implemented by *session.Registry.
type Counter interface {
	Len() int
}

// Completion returns a checker named "completion" that fails while c has no
// provider or, when group is non-nil, while every provider in group is
// tripped. With a group the breaker states are reported on success.
func Completion(c Configured, group Availability) Checker {
	var info func() string
	if group != nil {
		info = group.Describe
	}
	return Checker{
		Name: "completion",
		Check: func(_ context.Context) error {
			if !c.Configured() {
				return ErrNoProvider
			}
			if group != nil && !group.Available() {
				return ErrProvidersTripped
			}
			return nil
		},
		Info: info,
	}
}

// Registry returns a checker named "registry" that always passes and reports
// the number of live call sessions.
func Registry(r Counter) Checker {
	return Checker{
		Name:  "registry",
		Check: func(_ context.Context) error { return nil },
		Info:  func() string { return fmt.Sprintf("%d sessions", r.Len()) },
	}
}
