// Package voice terminates the voice platform's LLM websocket protocol for one
// call at a time.
//
// On connect the endpoint greets the platform with an empty response so the
// caller is invited to speak. Each inbound frame carries the full transcript
// so far; it is recorded on the call's session and published to transcript
// viewers. Frames that require a response start a streamed reply: every
// fragment from the completion client is written as it arrives, followed by
// a content_complete terminator. A newer request on the same connection
// abandons the older reply (last request wins). A failing reply is answered
// with a single apology frame so the platform never waits on a turn.
//
// Wire format (text frames, JSON):
//
//	→ {"response_type":"response","content":"","end_call":false}
//	← {"interaction_type":"update_only","transcript":[{"role":"user","content":"hi"}]}
//	← {"interaction_type":"response_required","response_id":7,"transcript":[...]}
//	→ {"response_type":"response","response_id":7,"content":"Hel","content_complete":false,"end_call":false}
//	→ {"response_type":"response","response_id":7,"content":"","content_complete":true,"end_call":false}
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callrelay/internal/completion"
	"github.com/MrWong99/callrelay/internal/fanout"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/session"
)

// DefaultFallbackMessage is spoken when a reply cannot be produced.
const DefaultFallbackMessage = "I'm sorry, I had trouble with that. Could you say it again?"

const (
	defaultIdleTimeout  = 2 * time.Minute
	defaultWriteTimeout = 10 * time.Second
	attachAttempts      = 3
)

// Conn is a voice-platform connection carrying text messages.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Completer produces streamed replies. It is satisfied by *completion.Client.
type Completer interface {
	StreamReply(ctx context.Context, transcript []session.Turn, instructions string) (*completion.Stream, error)
}

var _ Completer = (*completion.Client)(nil)

// State is the lifecycle state of one voice connection. States only move
// forward: awaiting_first_frame, active, closed.
type State int

const (
	StateAwaitingFirstFrame State = iota
	StateActive
	// StateClosed is terminal. A closed call writes no frame and starts no
	// reply.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirstFrame:
		return "awaiting_first_frame"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures an [Endpoint].
type Option func(*Endpoint)

// WithIdleTimeout closes a connection that sends no frame for d.
// Default: 2m.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.idleTimeout = d
		}
	}
}

// WithWriteTimeout bounds every outbound frame write. Default: 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// WithFallbackMessage sets the apology spoken when a reply fails.
func WithFallbackMessage(msg string) Option {
	return func(e *Endpoint) {
		if msg != "" {
			e.fallback = msg
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Endpoint) { e.metrics = m }
}

// Endpoint serves voice-platform connections. One Endpoint serves every call
// in the process and is safe for concurrent use.
type Endpoint struct {
	registry     *session.Registry
	hub          *fanout.Hub
	completer    Completer
	metrics      *observe.Metrics
	idleTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.RWMutex
	fallback string
}

// New creates an Endpoint.
func New(reg *session.Registry, hub *fanout.Hub, completer Completer, opts ...Option) *Endpoint {
	e := &Endpoint{
		registry:     reg,
		hub:          hub,
		completer:    completer,
		idleTimeout:  defaultIdleTimeout,
		writeTimeout: defaultWriteTimeout,
		fallback:     DefaultFallbackMessage,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// SetFallbackMessage replaces the apology spoken when a reply fails.
func (e *Endpoint) SetFallbackMessage(msg string) {
	if msg == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallback = msg
}

// FallbackMessage returns the apology currently spoken when a reply fails.
func (e *Endpoint) FallbackMessage() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fallback
}

// Serve runs the protocol for callID on conn until the peer goes away, the
// connection idles out or ctx is cancelled. On return the call has ended:
// viewers were notified and the session was removed from the registry.
//
// Serve returns [session.ErrVoiceAttached] without writing anything when the
// call already has a voice connection. It does not close conn.
func (e *Endpoint) Serve(ctx context.Context, conn Conn, callID string) error {
	s, err := e.attach(callID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &call{
		endpoint: e,
		session:  s,
		conn:     conn,
		ctx:      ctx,
		log:      slog.With("call_id", callID),
	}
	e.metrics.ActiveCalls.Add(ctx, 1)
	c.log.Info("voice connection opened")

	defer func() {
		cancel()
		c.hangUp()
		e.metrics.ActiveCalls.Add(context.Background(), -1)
	}()

	c.setState(StateActive)
	if !c.write(ctx, newGreeting()) {
		return fmt.Errorf("voice: %s: greeting not delivered", callID)
	}

	for {
		rctx, rcancel := context.WithTimeout(ctx, e.idleTimeout)
		data, err := conn.Read(rctx)
		idle := rctx.Err() != nil && ctx.Err() == nil
		rcancel()
		if err != nil {
			switch {
			case idle:
				c.log.Info("voice connection idle, closing", "idle_timeout", e.idleTimeout)
			case ctx.Err() != nil:
				c.log.Info("voice connection closing", "reason", context.Cause(ctx))
			default:
				c.log.Info("voice connection closed by peer", "err", err)
			}
			return nil
		}
		c.handle(data)
	}
}

// attach binds a voice connection to the session for callID.
func (e *Endpoint) attach(callID string) (*session.CallSession, error) {
	for range attachAttempts {
		s := e.registry.GetOrCreate(callID)
		err := s.AttachVoice()
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, session.ErrSessionEnded) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("voice: attach %q: %w", callID, session.ErrSessionEnded)
}

// call is the per-connection state of one voice connection.
type call struct {
	endpoint *Endpoint
	session  *session.CallSession
	conn     Conn
	ctx      context.Context
	log      *slog.Logger

	// writeMu serialises frame writes; a reply checks its own cancellation
	// while holding it, so no frame of an abandoned reply follows the first
	// frame of its successor.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       State
	cancelReply context.CancelFunc
	replies     sync.WaitGroup
}

// setState moves the call forward to s. Moves backwards, or out of
// StateClosed, are ignored.
func (c *call) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s > c.state {
		c.state = s
	}
}

func (c *call) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// handle processes one inbound frame. Malformed frames are dropped.
func (c *call) handle(data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn("dropping malformed frame", "err", err, "bytes", len(data))
		c.endpoint.metrics.RecordFrameDropped(c.ctx, "malformed")
		return
	}

	switch f.InteractionType {
	case InteractionUpdateOnly:
		c.record(f.Transcript)

	case InteractionResponseRequired:
		if f.ResponseID == nil {
			c.log.Warn("dropping response_required frame without response_id")
			c.endpoint.metrics.RecordFrameDropped(c.ctx, "missing_response_id")
			return
		}
		rev := c.record(f.Transcript)
		c.startReply(*f.ResponseID, f.Transcript, rev)

	default:
		c.log.Debug("dropping frame with unknown interaction type", "interaction_type", f.InteractionType)
		c.endpoint.metrics.RecordFrameDropped(c.ctx, "unknown_interaction")
	}
}

// record stores the snapshot on the session, queues it for viewers and
// returns the session's transcript revision.
func (c *call) record(transcript []session.Turn) uint64 {
	rev := c.session.SetTranscript(transcript)
	c.endpoint.hub.Publish(c.ctx, c.session, transcript)
	return rev
}

// startReply abandons any reply still streaming on this connection and starts
// a new one for id. rev is the transcript revision the reply answers.
func (c *call) startReply(id int64, transcript []session.Turn, rev uint64) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.cancelReply != nil {
		c.cancelReply()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelReply = cancel
	c.replies.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.replies.Done()
		defer cancel()
		c.reply(ctx, id, transcript, rev)
	}()
}

// reply streams one completion back to the platform.
func (c *call) reply(ctx context.Context, id int64, transcript []session.Turn, rev uint64) {
	e := c.endpoint
	start := time.Now()
	ctx, span := observe.StartCallSpan(ctx, "relay.reply", c.session.ID(),
		attribute.Int64("response_id", id),
		attribute.Int("turns", len(transcript)),
	)
	defer span.End()
	log := observe.Logger(ctx, "call_id", c.session.ID(), "response_id", id)

	st, err := e.completer.StreamReply(ctx, transcript, "")
	if err != nil {
		c.fail(ctx, log, id, err, start)
		return
	}
	defer st.Close()

	var text strings.Builder
	for st.Next() {
		frag := st.Fragment()
		if !c.write(ctx, newFragment(id, frag)) {
			c.abandon(ctx, log, id)
			return
		}
		if text.Len() == 0 {
			e.metrics.FirstFragmentLatency.Record(ctx, time.Since(start).Seconds())
		}
		e.metrics.ReplyFragments.Add(ctx, 1)
		text.WriteString(frag)
	}
	if err := st.Err(); err != nil {
		c.fail(ctx, log, id, err, start)
		return
	}
	if !c.write(ctx, newTerminator(id, "")) {
		c.abandon(ctx, log, id)
		return
	}

	e.metrics.RecordReply(ctx, observe.ReplyOK)
	e.metrics.ReplyDuration.Record(ctx, time.Since(start).Seconds())
	log.Debug("reply complete", "chars", text.Len(), "duration", time.Since(start))

	if text.Len() == 0 {
		return
	}
	// A newer platform snapshot supersedes the agent turn.
	snapshot, ok := c.session.AppendTurn(rev, session.Turn{Role: session.RoleAgent, Content: text.String()})
	if !ok {
		log.Debug("newer transcript recorded during reply, agent turn not appended")
		return
	}
	e.hub.Publish(ctx, c.session, snapshot)
}

// fail answers id with the fallback message unless the reply was abandoned.
func (c *call) fail(ctx context.Context, log *slog.Logger, id int64, err error, start time.Time) {
	if ctx.Err() != nil {
		c.abandon(ctx, log, id)
		return
	}
	log.Warn("reply failed, sending fallback", "err", err)
	trace.SpanFromContext(ctx).RecordError(err)

	if c.write(ctx, newTerminator(id, c.endpoint.FallbackMessage())) {
		c.endpoint.metrics.RecordReply(ctx, observe.ReplyFallback)
		c.endpoint.metrics.ReplyDuration.Record(ctx, time.Since(start).Seconds())
		return
	}
	c.abandon(ctx, log, id)
}

// abandon records a reply that stopped without a terminator.
func (c *call) abandon(ctx context.Context, log *slog.Logger, id int64) {
	status := observe.ReplySuperseded
	if c.ctx.Err() != nil {
		status = observe.ReplyCancelled
	}
	log.Debug("reply abandoned", "status", status)
	c.endpoint.metrics.RecordReply(context.WithoutCancel(ctx), status)
}

// write sends one frame unless ctx has been cancelled. It reports whether the
// frame was written.
func (c *call) write(ctx context.Context, frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal outbound frame", "err", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ctx.Err() != nil || c.currentState() == StateClosed {
		return false
	}
	// Cancelling an in-flight write would tear down the whole connection,
	// so the write only obeys its own deadline.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.endpoint.writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, data); err != nil {
		c.log.Warn("write to voice connection failed", "err", err)
		return false
	}
	return true
}

// hangUp stops any in-flight reply and ends the call for its viewers.
func (c *call) hangUp() {
	c.mu.Lock()
	prev := c.state
	c.state = StateClosed
	if c.cancelReply != nil {
		c.cancelReply()
	}
	c.mu.Unlock()
	c.replies.Wait()

	c.session.DetachVoice()
	c.endpoint.hub.End(context.WithoutCancel(c.ctx), c.session)
	c.log.Info("voice connection closed", "from_state", prev)
}
