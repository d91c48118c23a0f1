// Package router accepts websocket upgrades and dispatches them by path.
//
// Two routes exist, each carrying the call id as its last path segment:
//
//	/llm-websocket/{call_id}   voice platform connection
//	/ws-transcript/{call_id}   transcript viewer
//
// An upgrade request for any other path has its socket closed without a
// handshake. Plain HTTP requests for unknown paths get a 404.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/internal/fanout"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/internal/voice"
)

// Default route prefixes.
const (
	DefaultVoicePath  = "/llm-websocket"
	DefaultViewerPath = "/ws-transcript"
)

const defaultReadLimit = 1 << 20

// ErrUnknownRoute is returned by [Router.Classify] for paths that match
// neither route.
var ErrUnknownRoute = errors.New("router: unknown route")

// Kind identifies the handler a connection is dispatched to.
type Kind int

const (
	KindVoice Kind = iota + 1
	KindViewer
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindVoice:
		return "voice"
	case KindViewer:
		return "viewer"
	default:
		return "unknown"
	}
}

// Route is the result of classifying a request path.
type Route struct {
	Kind   Kind
	CallID string
}

// VoiceServer runs the voice protocol on an accepted connection.
// *voice.Endpoint satisfies it.
type VoiceServer interface {
	Serve(ctx context.Context, conn voice.Conn, callID string) error
}

// ViewerServer streams transcript updates to an accepted viewer.
// *fanout.Hub satisfies it.
type ViewerServer interface {
	ServeViewer(ctx context.Context, callID string, conn fanout.Conn) error
}

var (
	_ VoiceServer  = (*voice.Endpoint)(nil)
	_ ViewerServer = (*fanout.Hub)(nil)
)

// Option configures a [Router].
type Option func(*Router)

// WithVoicePath sets the voice route prefix.
func WithVoicePath(p string) Option {
	return func(r *Router) {
		if p != "" {
			r.voicePath = normalisePrefix(p)
		}
	}
}

// WithViewerPath sets the viewer route prefix.
func WithViewerPath(p string) Option {
	return func(r *Router) {
		if p != "" {
			r.viewerPath = normalisePrefix(p)
		}
	}
}

// WithOriginPatterns sets the host patterns browsers may connect from.
// With no patterns only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(r *Router) { r.origins = append([]string(nil), patterns...) }
}

// WithReadLimit caps the size of a single inbound message in bytes.
func WithReadLimit(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.readLimit = n
		}
	}
}

// Router is an [http.Handler] that upgrades requests on the voice and viewer
// routes and hands the connection to the matching server.
type Router struct {
	voice  VoiceServer
	viewer ViewerServer

	voicePath  string
	viewerPath string
	origins    []string
	readLimit  int64

	conns sync.WaitGroup
}

var _ http.Handler = (*Router)(nil)

// New creates a Router dispatching to v and vw.
func New(v VoiceServer, vw ViewerServer, opts ...Option) *Router {
	r := &Router{
		voice:      v,
		viewer:     vw,
		voicePath:  DefaultVoicePath,
		viewerPath: DefaultViewerPath,
		readLimit:  defaultReadLimit,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Classify maps a request path to a route. The call id is the single path
// segment following the route prefix; one trailing slash is tolerated.
func (r *Router) Classify(path string) (Route, error) {
	path = strings.TrimSuffix(path, "/")
	for _, c := range []struct {
		prefix string
		kind   Kind
	}{
		{r.voicePath, KindVoice},
		{r.viewerPath, KindViewer},
	} {
		rest, ok := strings.CutPrefix(path, c.prefix+"/")
		if !ok {
			continue
		}
		if rest == "" || strings.Contains(rest, "/") {
			return Route{}, ErrUnknownRoute
		}
		return Route{Kind: c.kind, CallID: rest}, nil
	}
	return Route{}, ErrUnknownRoute
}

// ServeHTTP implements [http.Handler].
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	route, err := r.Classify(req.URL.Path)
	if err != nil {
		r.reject(w, req)
		return
	}

	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: r.origins})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("websocket upgrade failed", "path", req.URL.Path, "err", err)
		return
	}
	ws.SetReadLimit(r.readLimit)

	r.conns.Add(1)
	defer r.conns.Done()

	// Handlers never see request cancellation: a cancelled read drops the
	// socket. Shutdown reaches the peer as a going-away handshake instead.
	ctx := req.Context()
	serveCtx := context.WithoutCancel(ctx)
	stop := context.AfterFunc(ctx, func() {
		ws.Close(websocket.StatusGoingAway, "server shutting down")
	})
	defer stop()

	log := slog.With("call_id", route.CallID, "kind", route.Kind.String())
	conn := &wsConn{ws: ws}

	switch route.Kind {
	case KindVoice:
		err := r.voice.Serve(serveCtx, conn, route.CallID)
		switch {
		case errors.Is(err, session.ErrVoiceAttached):
			log.Warn("rejecting second voice connection")
			ws.Close(websocket.StatusPolicyViolation, "call already has a voice connection")
		case ctx.Err() != nil:
			ws.Close(websocket.StatusGoingAway, "server shutting down")
		default:
			if err != nil {
				log.Warn("voice connection ended with error", "err", err)
			}
			ws.Close(websocket.StatusNormalClosure, "")
		}
	case KindViewer:
		if err := r.viewer.ServeViewer(serveCtx, route.CallID, conn); err != nil {
			log.Warn("viewer connection ended with error", "err", err)
		}
		ws.CloseNow()
	}
}

// reject answers a request for an unknown path. Upgrade requests have their
// socket dropped; anything else gets a 404.
func (r *Router) reject(w http.ResponseWriter, req *http.Request) {
	if !isUpgrade(req) {
		http.NotFound(w, req)
		return
	}
	slog.Info("dropping upgrade request for unknown path", "path", req.URL.Path)
	nc, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.NotFound(w, req)
		return
	}
	nc.Close()
}

// Wait blocks until every accepted connection has been handed back or ctx
// is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isUpgrade(req *http.Request) bool {
	for _, v := range req.Header.Values("Upgrade") {
		if strings.EqualFold(strings.TrimSpace(v), "websocket") {
			return true
		}
	}
	return false
}

func normalisePrefix(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}
