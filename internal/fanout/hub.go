// Package fanout delivers live call transcripts to passive viewer connections.
//
// A [Hub] keeps no state of its own: the subscriber set of every call lives in
// the call's [session.CallSession]. The hub serialises each message once and
// queues the write to every subscriber of the call on the session's delivery
// queue, so the voice connection that produced a snapshot never waits on a
// viewer socket. A viewer whose write fails or times out is dropped from the
// set without affecting its siblings.
//
// Viewer wire format:
//
//	{"type":"transcript_update","data":[{"role":"user","content":"hi"}]}
//	{"type":"call_ended"}
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/session"
)

// Viewer message types.
const (
	TypeTranscriptUpdate = "transcript_update"
	TypeCallEnded        = "call_ended"
)

const (
	defaultWriteTimeout = 10 * time.Second
	subscribeAttempts   = 3
)

// transcriptUpdate is the viewer frame carrying a full transcript snapshot.
type transcriptUpdate struct {
	Type string         `json:"type"`
	Data []session.Turn `json:"data"`
}

// callEnded is the terminal viewer frame.
type callEnded struct {
	Type string `json:"type"`
}

// Conn is a viewer connection: a subscriber that can also be read from.
// Viewers are not expected to send anything; reading only detects closure.
type Conn interface {
	session.Subscriber
	Read(ctx context.Context) ([]byte, error)
}

// Option configures a [Hub].
type Option func(*Hub)

// WithWriteTimeout bounds every write to a single viewer. Default: 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub is the transcript fan-out group for every call in a [session.Registry].
type Hub struct {
	registry     *session.Registry
	metrics      *observe.Metrics
	writeTimeout time.Duration
}

// New creates a Hub over reg.
func New(reg *session.Registry, opts ...Option) *Hub {
	h := &Hub{
		registry:     reg,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Subscribe adds sub to the fan-out group of callID, creating the session if
// no connection has referenced the call yet.
func (h *Hub) Subscribe(ctx context.Context, callID string, sub session.Subscriber) (*session.CallSession, error) {
	for range subscribeAttempts {
		s := h.registry.GetOrCreate(callID)
		err := s.AddSubscriber(sub)
		if err == nil {
			h.metrics.ActiveViewers.Add(ctx, 1)
			slog.DebugContext(ctx, "viewer subscribed", "call_id", callID, "viewers", s.SubscriberCount())
			return s, nil
		}
		if !errors.Is(err, session.ErrSessionEnded) {
			return nil, fmt.Errorf("fanout: subscribe %q: %w", callID, err)
		}
		// The call ended between lookup and subscribe; the next
		// GetOrCreate hands out a fresh session.
	}
	return nil, fmt.Errorf("fanout: subscribe %q: %w", callID, session.ErrSessionEnded)
}

// Unsubscribe removes sub from the fan-out group of callID. Once the group is
// empty and the call has no open voice connection, the session is removed
// from the registry. Unsubscribing an absent viewer is a no-op.
func (h *Hub) Unsubscribe(ctx context.Context, callID string, sub session.Subscriber) {
	s, ok := h.registry.Lookup(callID)
	if !ok {
		return
	}
	h.unsubscribe(ctx, s, sub)
}

func (h *Hub) unsubscribe(ctx context.Context, s *session.CallSession, sub session.Subscriber) {
	remaining, removed := s.RemoveSubscriber(sub)
	if !removed {
		return
	}
	h.metrics.ActiveViewers.Add(ctx, -1)
	slog.DebugContext(ctx, "viewer unsubscribed", "call_id", s.ID(), "viewers", remaining)
	if remaining == 0 && h.registry.RemoveIfIdle(s) {
		slog.DebugContext(ctx, "viewer-only session removed", "call_id", s.ID())
	}
}

// Broadcast sends the transcript snapshot to every viewer of callID. It is a
// no-op when the call has no session. See [Hub.Publish] for the returned
// channel.
func (h *Hub) Broadcast(ctx context.Context, callID string, transcript []session.Turn) <-chan struct{} {
	s, ok := h.registry.Lookup(callID)
	if !ok {
		return closedChan
	}
	return h.Publish(ctx, s, transcript)
}

// Publish queues the transcript snapshot for every current viewer of s and
// returns at once. Publishes to the same session are delivered in call
// order. The returned channel is closed once the snapshot has been written
// to, or has dropped, every viewer.
func (h *Hub) Publish(ctx context.Context, s *session.CallSession, transcript []session.Turn) <-chan struct{} {
	if transcript == nil {
		transcript = []session.Turn{}
	}
	data, err := json.Marshal(transcriptUpdate{Type: TypeTranscriptUpdate, Data: transcript})
	if err != nil {
		slog.ErrorContext(ctx, "fanout: marshal transcript update", "call_id", s.ID(), "err", err)
		return closedChan
	}

	return s.Deliver(func() {
		subs := s.Subscribers()
		if len(subs) == 0 {
			return
		}
		failed := h.writeAll(ctx, subs, data)
		for _, sub := range failed {
			slog.InfoContext(ctx, "dropping viewer after failed write", "call_id", s.ID())
			h.metrics.ViewerDrops.Add(ctx, 1)
			h.unsubscribe(ctx, s, sub)
			_ = sub.Close("write failed")
		}
		h.metrics.RecordBroadcast(ctx, TypeTranscriptUpdate)
	})
}

// EndCall delivers the call-ended notice to every viewer of callID, closes
// each viewer connection, clears the group and removes the session from the
// registry. It is a no-op when the call has no session.
func (h *Hub) EndCall(ctx context.Context, callID string) {
	s, ok := h.registry.Lookup(callID)
	if !ok {
		return
	}
	h.End(ctx, s)
}

// End is [Hub.EndCall] for a session the caller already holds. The notice is
// queued behind any pending snapshot, and End waits until it has been
// delivered. Only the first End on a session notifies viewers.
func (h *Hub) End(ctx context.Context, s *session.CallSession) {
	data, _ := json.Marshal(callEnded{Type: TypeCallEnded})

	<-s.Deliver(func() {
		subs := s.End()
		if len(subs) == 0 {
			return
		}
		h.metrics.ActiveViewers.Add(ctx, -int64(len(subs)))
		h.metrics.RecordBroadcast(ctx, TypeCallEnded)

		var g errgroup.Group
		for _, sub := range subs {
			g.Go(func() error {
				wctx, cancel := h.writeContext(ctx)
				defer cancel()
				if err := sub.Write(wctx, data); err != nil {
					slog.DebugContext(ctx, "call_ended not delivered", "call_id", s.ID(), "err", err)
				}
				_ = sub.Close("call ended")
				return nil
			})
		}
		_ = g.Wait()
	})

	h.registry.RemoveSession(s)
	slog.InfoContext(ctx, "call ended", "call_id", s.ID())
}

// ServeViewer subscribes conn to callID and blocks until the viewer goes
// away, the call ends or ctx is cancelled. The viewer is always unsubscribed
// on return.
func (h *Hub) ServeViewer(ctx context.Context, callID string, conn Conn) error {
	s, err := h.Subscribe(ctx, callID, conn)
	if err != nil {
		return err
	}
	defer h.unsubscribe(context.WithoutCancel(ctx), s, conn)

	for {
		if _, err := conn.Read(ctx); err != nil {
			return nil
		}
	}
}

// writeAll writes data to every subscriber concurrently and returns those
// whose write failed.
func (h *Hub) writeAll(ctx context.Context, subs []session.Subscriber, data []byte) []session.Subscriber {
	errs := make([]error, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		g.Go(func() error {
			wctx, cancel := h.writeContext(ctx)
			defer cancel()
			errs[i] = sub.Write(wctx, data)
			return nil
		})
	}
	_ = g.Wait()

	var failed []session.Subscriber
	for i, err := range errs {
		if err != nil {
			failed = append(failed, subs[i])
		}
	}
	return failed
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// writeContext detaches viewer writes from the caller's cancellation: a
// closing voice connection must not cut short the notice to its viewers.
func (h *Hub) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.writeTimeout)
}
