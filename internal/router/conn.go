package router

import (
	"context"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/internal/fanout"
	"github.com/MrWong99/callrelay/internal/voice"
)

// wsConn adapts a websocket connection to the text-message interfaces of
// the voice and fanout packages.
type wsConn struct {
	ws *websocket.Conn
}

var (
	_ voice.Conn  = (*wsConn)(nil)
	_ fanout.Conn = (*wsConn)(nil)
)

// Read returns the next message. Binary messages are returned as-is.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close performs a normal closing handshake with reason.
func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
