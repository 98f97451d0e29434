package relay

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// WebsocketDialer dials relay endpoints over WebSocket.
type WebsocketDialer struct{}

// Dial opens a WebSocket connection. The context bounds the handshake.
func (WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// wsConn adapts a gorilla connection to the Conn interface. Gorilla allows
// only one concurrent writer, so writes are serialized here.
type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
