package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Connection abstracts the underlying websocket connection so the pumps can
// be tested without a network.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
}

// ConnectionWrapper adapts a gorilla connection to the Connection interface.
type ConnectionWrapper struct {
	conn *websocket.Conn
}

// NewConnectionWrapper wraps a gorilla connection.
func NewConnectionWrapper(conn *websocket.Conn) Connection {
	return &ConnectionWrapper{conn: conn}
}

func (c *ConnectionWrapper) WriteMessage(messageType int, data []byte) error {
	return c.conn.WriteMessage(messageType, data)
}

func (c *ConnectionWrapper) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *ConnectionWrapper) Close() error {
	return c.conn.Close()
}

func (c *ConnectionWrapper) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *ConnectionWrapper) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *ConnectionWrapper) SetReadLimit(limit int64) {
	c.conn.SetReadLimit(limit)
}

func (c *ConnectionWrapper) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}
