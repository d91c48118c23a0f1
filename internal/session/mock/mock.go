// Package mock provides a test double for the session.Subscriber interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callrelay/internal/session"
)

var _ session.Subscriber = (*Subscriber)(nil)

// Subscriber is a mock implementation of session.Subscriber that records
// every message written to it.
type Subscriber struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned from every Write call.
	WriteErr error

	// CloseErr, if non-nil, is returned from Close.
	CloseErr error

	// Block, if non-nil, stalls every Write until Block is closed or the
	// write context ends. A write cut short by its context fails with the
	// context's error.
	Block chan struct{}

	messages    [][]byte
	closed      bool
	closeReason string
}

// Write records data unless WriteErr is set.
func (s *Subscriber) Write(ctx context.Context, data []byte) error {
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.messages = append(s.messages, append([]byte(nil), data...))
	return nil
}

// Close records the close reason.
func (s *Subscriber) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeReason = reason
	return s.CloseErr
}

// Messages returns a copy of every message written so far.
func (s *Subscriber) Messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.messages))
	copy(out, s.messages)
	return out
}

// Closed reports whether Close has been called and with what reason.
func (s *Subscriber) Closed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeReason
}
