// Package session holds the live state of every call the relay is serving.
//
// A [CallSession] is keyed by the opaque call identifier shared by the call's
// voice-protocol connection and any number of transcript viewers. Sessions
// are created lazily by the first connection that references the identifier
// and are removed from the [Registry] once the call has ended (voice
// connection closed and call-ended notice delivered) or, for viewer-only
// sessions, once the last viewer leaves.
//
// All types are safe for concurrent use. Each CallSession has its own lock,
// so work on one call never waits for another call.
package session

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrVoiceAttached is returned by [CallSession.AttachVoice] when the
	// session already has (or had) a voice connection. A session's voice
	// connection is never re-attached.
	ErrVoiceAttached = errors.New("session: voice connection already attached")

	// ErrSessionEnded is returned when mutating a session whose call has
	// already ended. Callers should fetch a fresh session from the Registry.
	ErrSessionEnded = errors.New("session: call has ended")
)

// Role is the speaker of a transcript turn.
type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// IsValid reports whether r is a recognised speaker role.
func (r Role) IsValid() bool {
	return r == RoleAgent || r == RoleUser
}

// Turn is one utterance in a call transcript. Turns are values and are
// copied whenever they leave the session.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Subscriber is a passive transcript viewer connection.
type Subscriber interface {
	// Write sends one text message to the viewer.
	Write(ctx context.Context, data []byte) error

	// Close closes the viewer connection with a normal-closure status.
	Close(reason string) error
}

// CallSession is the live state of one call.
type CallSession struct {
	id string

	mu            sync.Mutex
	voiceAttached bool
	voiceClosed   bool
	ended         bool
	subscribers   map[Subscriber]struct{}
	transcript    []Turn
	revision      uint64

	// Fan-out work for this call runs in queue order on a single drain
	// goroutine, which exists only while the queue is non-empty.
	queueMu  sync.Mutex
	queue    []delivery
	draining bool
}

type delivery struct {
	fn   func()
	done chan struct{}
}

func newCallSession(id string) *CallSession {
	return &CallSession{
		id:          id,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// ID returns the call identifier.
func (s *CallSession) ID() string { return s.id }

// AttachVoice marks the session as owning a voice connection.
func (s *CallSession) AttachVoice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	if s.voiceAttached {
		return ErrVoiceAttached
	}
	s.voiceAttached = true
	return nil
}

// DetachVoice records that the voice connection has closed. Idempotent.
func (s *CallSession) DetachVoice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceClosed = true
}

// VoiceActive reports whether a voice connection is attached and still open.
func (s *CallSession) VoiceActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceAttached && !s.voiceClosed
}

// AddSubscriber adds sub to the session's fan-out set.
func (s *CallSession) AddSubscriber(sub Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.subscribers[sub] = struct{}{}
	return nil
}

// RemoveSubscriber drops sub from the fan-out set and returns the number of
// subscribers left. removed is false when sub was not subscribed.
func (s *CallSession) RemoveSubscriber(sub Subscriber) (remaining int, removed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		removed = true
	}
	return len(s.subscribers), removed
}

// Subscribers returns a snapshot of the current fan-out set.
func (s *CallSession) Subscribers() []Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		out = append(out, sub)
	}
	return out
}

// SubscriberCount returns the size of the fan-out set.
func (s *CallSession) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// SetTranscript replaces the recorded transcript with a copy of turns and
// returns the new transcript revision.
func (s *CallSession) SetTranscript(turns []Turn) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript[:0:0], turns...)
	s.revision++
	return s.revision
}

// AppendTurn appends t to the recorded transcript if it is still at
// revision rev, and returns a copy of the result. ok is false, and nothing
// changes, when a newer snapshot has been recorded since rev.
func (s *CallSession) AppendTurn(rev uint64, t Turn) (turns []Turn, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revision != rev {
		return nil, false
	}
	s.transcript = append(s.transcript, t)
	s.revision++
	return append([]Turn(nil), s.transcript...), true
}

// Transcript returns a copy of the recorded transcript.
func (s *CallSession) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.transcript...)
}

// End marks the call as ended, clears the fan-out set and returns the
// subscribers that were in it. Only the first call returns subscribers.
func (s *CallSession) End() []Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	out := make([]Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		out = append(out, sub)
	}
	clear(s.subscribers)
	return out
}

// Ended reports whether [CallSession.End] has run.
func (s *CallSession) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Deliver queues fn and returns without waiting for it. Queued functions of
// one session run one at a time in the order they were queued, off the
// caller's goroutine. The returned channel is closed once fn has returned.
func (s *CallSession) Deliver(fn func()) <-chan struct{} {
	d := delivery{fn: fn, done: make(chan struct{})}

	s.queueMu.Lock()
	s.queue = append(s.queue, d)
	start := !s.draining
	s.draining = true
	s.queueMu.Unlock()

	if start {
		go s.drain()
	}
	return d.done
}

func (s *CallSession) drain() {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.queueMu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		d.fn()
		close(d.done)
	}
}

// endIfIdle ends the session when it has no subscribers and no open voice
// connection.
func (s *CallSession) endIfIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return true
	}
	if len(s.subscribers) > 0 || (s.voiceAttached && !s.voiceClosed) {
		return false
	}
	s.ended = true
	return true
}
