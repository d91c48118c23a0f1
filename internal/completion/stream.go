package completion

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/provider/llm"
)

var errStreamBroken = errors.New("stream ended with an error")

// Stream is a finite, non-restartable sequence of reply fragments.
//
//	for st.Next() {
//	    speak(st.Fragment())
//	}
//	if err := st.Err(); err != nil { ... }
//
// A Stream is not safe for concurrent use.
type Stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	ch      <-chan llm.Chunk
	span    trace.Span
	name    string
	metrics *observe.Metrics

	cur       string
	fragments int
	err       error
	done      bool
	closeOnce sync.Once
}

// Next advances to the next non-empty fragment. It returns false when the
// provider finished, failed, or the stream's context was cancelled; Err tells
// which.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for {
		select {
		case <-s.ctx.Done():
			s.finish(s.ctx.Err())
			return false
		case c, ok := <-s.ch:
			if !ok {
				// A provider closes its channel on cancellation too.
				s.finish(s.ctx.Err())
				return false
			}
			if c.Err != nil || c.FinishReason == llm.FinishReasonError {
				err := c.Err
				if err == nil {
					err = errStreamBroken
				}
				s.finish(&CompletionError{Provider: s.name, Err: err})
				return false
			}
			if c.Text == "" {
				continue
			}
			s.cur = c.Text
			s.fragments++
			return true
		}
	}
}

// Fragment returns the fragment produced by the last successful Next.
func (s *Stream) Fragment() string { return s.cur }

// Err returns nil after a normal end of stream, a *CompletionError when the
// provider failed, or the context error when the stream was cancelled.
func (s *Stream) Err() error { return s.err }

// Close stops the stream and releases its resources. Safe to call more than
// once.
func (s *Stream) Close() error {
	s.finish(context.Canceled)
	return nil
}

func (s *Stream) finish(err error) {
	s.closeOnce.Do(func() {
		s.done = true
		s.err = err
		s.cancel()

		var ce *CompletionError
		switch {
		case err == nil:
			s.metrics.RecordProviderRequest(context.Background(), s.name, "ok")
		case errors.As(err, &ce):
			s.metrics.RecordProviderRequest(context.Background(), s.name, "error")
			s.metrics.RecordProviderError(context.Background(), s.name, "stream")
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, "stream failed")
		}
		s.span.SetAttributes(attribute.Int("fragments", s.fragments))
		s.span.End()
	})
}
