package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/protocol"
)

const wsWriteWait = 5 * time.Second

// wsConn is the registry channel for one websocket. gorilla allows a single
// concurrent writer, so every write goes through writeMu.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, done: make(chan struct{})}
}

func (c *wsConn) Send(msg protocol.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// fail sends an error frame, then closes with code.
func (c *wsConn) fail(errCode, message string, closeCode int, closeReason string) {
	_ = c.Send(protocol.Error(errCode, message))
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Close ends the connection with a normal closure. It is called both by the
// read loop and by the registry when a newer connection replaces this one.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeWith(websocket.CloseNormalClosure, "")
		err = c.conn.Close()
	})
	return err
}
