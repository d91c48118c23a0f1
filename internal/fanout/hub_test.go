package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/internal/session/mock"
)

func newTestHub(t *testing.T) (*Hub, *session.Registry) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	reg := session.NewRegistry()
	return New(reg, WithMetrics(m), WithWriteTimeout(time.Second)), reg
}

// viewerConn is a Conn whose Read blocks until Close is called.
type viewerConn struct {
	*mock.Subscriber
	closed chan struct{}
	once   sync.Once
}

func newViewerConn() *viewerConn {
	return &viewerConn{Subscriber: &mock.Subscriber{}, closed: make(chan struct{})}
}

func (c *viewerConn) Close(reason string) error {
	c.once.Do(func() { close(c.closed) })
	return c.Subscriber.Close(reason)
}

func (c *viewerConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type envelope struct {
	Type string         `json:"type"`
	Data []session.Turn `json:"data"`
}

func decode(t *testing.T, raw []byte) envelope {
	t.Helper()
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return e
}

func TestHub_Broadcast(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	a, b := &mock.Subscriber{}, &mock.Subscriber{}
	if _, err := hub.Subscribe(ctx, "call-42", a); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if _, err := hub.Subscribe(ctx, "call-42", b); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	snapshot := []session.Turn{{Role: session.RoleUser, Content: "hi"}}
	<-hub.Broadcast(ctx, "call-42", snapshot)

	for name, sub := range map[string]*mock.Subscriber{"a": a, "b": b} {
		msgs := sub.Messages()
		if len(msgs) != 1 {
			t.Fatalf("%s: got %d messages, want 1", name, len(msgs))
		}
		got := decode(t, msgs[0])
		if got.Type != TypeTranscriptUpdate {
			t.Errorf("%s: type = %q, want %q", name, got.Type, TypeTranscriptUpdate)
		}
		if len(got.Data) != 1 || got.Data[0] != snapshot[0] {
			t.Errorf("%s: data = %+v, want %+v", name, got.Data, snapshot)
		}
	}
}

func TestHub_BroadcastEmptySnapshot(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	sub := &mock.Subscriber{}
	_, _ = hub.Subscribe(ctx, "call-1", sub)
	<-hub.Broadcast(ctx, "call-1", nil)

	msgs := sub.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if string(msgs[0]) != `{"type":"transcript_update","data":[]}` {
		t.Errorf("message = %s", msgs[0])
	}
}

func TestHub_BroadcastDropsFailingViewer(t *testing.T) {
	hub, reg := newTestHub(t)
	ctx := context.Background()

	good := &mock.Subscriber{}
	bad := &mock.Subscriber{WriteErr: errors.New("broken pipe")}
	_, _ = hub.Subscribe(ctx, "call-1", good)
	s, _ := hub.Subscribe(ctx, "call-1", bad)
	_ = s.AttachVoice()

	<-hub.Broadcast(ctx, "call-1", []session.Turn{{Role: session.RoleUser, Content: "one"}})
	<-hub.Broadcast(ctx, "call-1", []session.Turn{{Role: session.RoleUser, Content: "two"}})

	if got := len(good.Messages()); got != 2 {
		t.Errorf("healthy viewer got %d messages, want 2", got)
	}
	if closed, _ := bad.Closed(); !closed {
		t.Error("failing viewer should have been closed")
	}
	if got := s.SubscriberCount(); got != 1 {
		t.Errorf("subscriber count = %d, want 1", got)
	}
	if _, ok := reg.Lookup("call-1"); !ok {
		t.Error("session with live voice connection must stay registered")
	}
}

func TestHub_PublishDoesNotWaitForStalledViewer(t *testing.T) {
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	reg := session.NewRegistry()
	hub := New(reg, WithMetrics(m), WithWriteTimeout(300*time.Millisecond))
	ctx := context.Background()

	stalled, good := &mock.Subscriber{Block: make(chan struct{})}, &mock.Subscriber{}
	s, _ := hub.Subscribe(ctx, "call-1", stalled)
	_, _ = hub.Subscribe(ctx, "call-1", good)
	_ = s.AttachVoice()

	start := time.Now()
	first := hub.Publish(ctx, s, []session.Turn{{Role: session.RoleUser, Content: "one"}})
	second := hub.Publish(ctx, s, []session.Turn{{Role: session.RoleUser, Content: "two"}})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Publish took %v with a stalled viewer", elapsed)
	}

	select {
	case <-first:
		t.Fatal("first snapshot reported delivered before the stalled write timed out")
	default:
	}
	<-second

	if got := len(good.Messages()); got != 2 {
		t.Errorf("healthy viewer got %d messages, want 2", got)
	}
	if closed, reason := stalled.Closed(); !closed || reason != "write failed" {
		t.Errorf("stalled viewer closed=%v reason=%q, want dropped", closed, reason)
	}
	if got := s.SubscriberCount(); got != 1 {
		t.Errorf("subscriber count = %d, want 1", got)
	}
}

func TestHub_BroadcastUnknownCall(t *testing.T) {
	hub, reg := newTestHub(t)
	<-hub.Broadcast(context.Background(), "nobody", []session.Turn{{Role: session.RoleUser, Content: "x"}})
	if reg.Len() != 0 {
		t.Error("broadcast must not create sessions")
	}
}

func TestHub_BroadcastOrder(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	sub := &mock.Subscriber{}
	_, _ = hub.Subscribe(ctx, "call-1", sub)

	const n = 50
	var last <-chan struct{}
	for i := range n {
		turns := make([]session.Turn, i+1)
		for j := range turns {
			turns[j] = session.Turn{Role: session.RoleUser, Content: "x"}
		}
		last = hub.Broadcast(ctx, "call-1", turns)
	}
	<-last

	msgs := sub.Messages()
	if len(msgs) != n {
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	for i, raw := range msgs {
		if got := len(decode(t, raw).Data); got != i+1 {
			t.Fatalf("message %d has %d turns, want %d", i, got, i+1)
		}
	}
}

func TestHub_UnsubscribeLastViewerRemovesSession(t *testing.T) {
	hub, reg := newTestHub(t)
	ctx := context.Background()

	a, b := &mock.Subscriber{}, &mock.Subscriber{}
	_, _ = hub.Subscribe(ctx, "call-1", a)
	_, _ = hub.Subscribe(ctx, "call-1", b)

	hub.Unsubscribe(ctx, "call-1", a)
	if _, ok := reg.Lookup("call-1"); !ok {
		t.Fatal("session removed while a viewer remains")
	}

	hub.Unsubscribe(ctx, "call-1", b)
	if _, ok := reg.Lookup("call-1"); ok {
		t.Fatal("session still registered after last viewer left")
	}

	// Subsequent broadcasts are no-ops and absent unsubscribes are harmless.
	<-hub.Broadcast(ctx, "call-1", []session.Turn{{Role: session.RoleUser, Content: "late"}})
	hub.Unsubscribe(ctx, "call-1", b)
	if len(a.Messages())+len(b.Messages()) != 0 {
		t.Error("unsubscribed viewers received a broadcast")
	}
}

func TestHub_EndCall(t *testing.T) {
	hub, reg := newTestHub(t)
	ctx := context.Background()

	a, b := &mock.Subscriber{}, &mock.Subscriber{}
	s, _ := hub.Subscribe(ctx, "call-1", a)
	_, _ = hub.Subscribe(ctx, "call-1", b)
	_ = s.AttachVoice()
	s.DetachVoice()

	hub.EndCall(ctx, "call-1")
	hub.EndCall(ctx, "call-1")

	for name, sub := range map[string]*mock.Subscriber{"a": a, "b": b} {
		msgs := sub.Messages()
		if len(msgs) != 1 {
			t.Fatalf("%s: got %d messages, want exactly 1", name, len(msgs))
		}
		if string(msgs[0]) != `{"type":"call_ended"}` {
			t.Errorf("%s: message = %s", name, msgs[0])
		}
		if closed, _ := sub.Closed(); !closed {
			t.Errorf("%s: viewer not closed", name)
		}
	}
	if _, ok := reg.Lookup("call-1"); ok {
		t.Error("session still registered after EndCall")
	}
	if s.SubscriberCount() != 0 {
		t.Error("fan-out group not cleared")
	}
}

func TestHub_SubscribeAfterEndGetsFreshSession(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	old, _ := hub.Subscribe(ctx, "call-1", &mock.Subscriber{})
	hub.End(ctx, old)

	late := &mock.Subscriber{}
	s, err := hub.Subscribe(ctx, "call-1", late)
	if err != nil {
		t.Fatalf("subscribe after end: %v", err)
	}
	if s == old {
		t.Error("expected a fresh session")
	}
	if len(late.Messages()) != 0 {
		t.Error("late viewer must not receive the previous call's notice")
	}
}

func TestHub_ServeViewer(t *testing.T) {
	hub, reg := newTestHub(t)
	ctx := context.Background()

	conn := newViewerConn()
	done := make(chan error, 1)
	go func() { done <- hub.ServeViewer(ctx, "call-7", conn) }()

	deadline := time.After(2 * time.Second)
	for {
		if s, ok := reg.Lookup("call-7"); ok && s.SubscriberCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("viewer never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	<-hub.Broadcast(ctx, "call-7", []session.Turn{{Role: session.RoleAgent, Content: "Hello"}})
	hub.EndCall(ctx, "call-7")

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeViewer returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeViewer did not return after call ended")
	}

	msgs := conn.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if decode(t, msgs[0]).Type != TypeTranscriptUpdate || decode(t, msgs[1]).Type != TypeCallEnded {
		t.Errorf("unexpected message order: %s then %s", msgs[0], msgs[1])
	}
	if reg.Len() != 0 {
		t.Errorf("registry len = %d, want 0", reg.Len())
	}
}

func TestHub_ServeViewerDisconnectRemovesViewerOnlySession(t *testing.T) {
	hub, reg := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())

	conn := newViewerConn()
	done := make(chan error, 1)
	go func() { done <- hub.ServeViewer(ctx, "call-9", conn) }()

	deadline := time.After(2 * time.Second)
	for reg.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("viewer never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeViewer did not return after cancel")
	}
	if reg.Len() != 0 {
		t.Errorf("registry len = %d, want 0", reg.Len())
	}
}
