package transport

// WebSocket transport, grounded in jrpc2's tools/ submodule, which wires
// github.com/creachadair/wschannel (itself built on
// github.com/gorilla/websocket) into a jrpc2.Server. Since wschannel is
// not part of this module's dependency surface, this talks to
// gorilla/websocket directly: one text message per frame, which is
// exactly what wschannel does under the hood.

import (
	"context"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

type wsTransport struct {
	conn    *websocket.Conn
	version string
	writeMu sync.Mutex
}

// NewWebSocket adapts an already-established *websocket.Conn (client or
// server side) to a Transport.
func NewWebSocket(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (w *wsTransport) Connect(context.Context) error { return nil }

func (w *wsTransport) Disconnect() error { return w.conn.Close() }

func (w *wsTransport) Send(ctx context.Context, data []byte, _ string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsTransport) Recv(ctx context.Context) (Message, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		if _, ok := err.(*websocket.CloseError); ok {
			return Message{}, io.EOF
		}
		return Message{}, err
	}
	return Message{Bytes: data}, nil
}

func (w *wsTransport) SetProtocolVersion(v string) { w.version = v }
