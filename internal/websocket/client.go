package websocket

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lessonvault/internal/infrastructure"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Ping period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Players only listen; anything beyond a control frame is abuse.
	maxMessageSize = 512
)

// Client is one connected player, bound to the learner and device that
// authenticated the upgrade.
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte

	id          string
	learnerID   string
	fingerprint string
	connectedAt time.Time

	logger *slog.Logger
}

// NewClient wraps an upgraded gorilla connection.
func NewClient(hub *Hub, conn *websocket.Conn, learnerID, fingerprint string, logger *slog.Logger) *Client {
	return newClient(hub, NewConnectionWrapper(conn), learnerID, fingerprint, logger)
}

// NewClientWithConnection creates a client over a custom connection. Test
// use only.
func NewClientWithConnection(hub *Hub, conn Connection, learnerID, fingerprint string, logger *slog.Logger) *Client {
	return newClient(hub, conn, learnerID, fingerprint, logger)
}

func newClient(hub *Hub, conn Connection, learnerID, fingerprint string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	id := uuid.New().String()
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 16),
		id:          id,
		learnerID:   learnerID,
		fingerprint: fingerprint,
		connectedAt: time.Now(),
		logger: logger.With(
			slog.String("component", "websocket.client"),
			slog.String("client_id", id),
		),
	}
}

// Register attaches the client to the hub and starts both pumps.
func (c *Client) Register() {
	select {
	case c.hub.register <- c:
	case <-c.hub.quit:
		c.conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// enqueue queues a message without blocking the hub; a client that cannot
// keep up with a 16-message backlog loses the oldest pushes.
func (c *Client) enqueue(msg Message) {
	select {
	case c.send <- marshalMessage(msg):
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

// readPump discards inbound frames but keeps the connection's read side
// alive for pong handling and close detection.
func (c *Client) readPump() {
	defer func() {
		// A stopped hub no longer drains unregister; closeAll already
		// dropped every client, so just let the connection go.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump delivers queued messages and pings the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
