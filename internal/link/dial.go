package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to Conn. Gorilla allows one
// concurrent reader and one concurrent writer; the write mutex serializes
// writers.
type wsConn struct {
	conn *websocket.Conn

	wmu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// dialWebsocket is the default Dialer. The handshake timeout bounds the
// whole attempt so a dead peer cannot hold the lifecycle in Connecting.
func dialWebsocket(ctx context.Context, addr, path string, timeout time.Duration) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	url := fmt.Sprintf("ws://%s%s", addr, path)

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}
