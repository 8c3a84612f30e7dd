package gateway

import (
	"context"

	"github.com/coder/websocket"
)

// wsSocket adapts a coder/websocket connection to session.Socket.
type wsSocket struct {
	conn *websocket.Conn
}

func (w *wsSocket) Write(ctx context.Context, binary bool, data []byte) error {
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return w.conn.Write(ctx, typ, data)
}

func (w *wsSocket) Read(ctx context.Context) (bool, []byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return false, nil, err
	}
	return typ == websocket.MessageBinary, data, nil
}

func (w *wsSocket) Close(code int, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}
