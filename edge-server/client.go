package main

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"showtime-booking/internal/session"
	"showtime-booking/shared"
)

const (
	// Time allowed to write a message to the peer
	writeWait = shared.WebSocketWriteTimeout

	// Time allowed to read the next pong message from the peer
	pongWait = shared.WebSocketPongWait

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = shared.WebSocketPingPeriod

	// Maximum message size allowed from peer
	maxMessageSize = shared.WebSocketMaxMessage

	sendBuffer = 256
)

// Client is a middleman between the websocket connection and the hub. It is
// a topic subscriber and drives one reservation session.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger

	// Buffered channel of outbound messages
	send chan []byte
	// done is closed when the client is unregistered
	done      chan struct{}
	closeOnce sync.Once

	id          string
	connectedAt time.Time

	mu      sync.Mutex
	session *session.Session
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		logger:      hub.logger.With("client_id", id),
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		id:          id,
		connectedAt: time.Now(),
	}
}

func (c *Client) ID() string { return c.id }

// DeliverSnapshot runs on the topic goroutine.
func (c *Client) DeliverSnapshot(snap shared.Snapshot) {
	if s := c.currentSession(); s != nil {
		s.ApplySnapshot(snap)
	}
	c.sendMessage(shared.MessageTypeSnapshot, snap)
}

// Deliver runs on the topic goroutine.
func (c *Client) Deliver(event shared.SeatEvent) {
	if s := c.currentSession(); s != nil {
		s.Observe(event)
	}

	switch event.Type {
	case shared.EventLocked:
		c.sendMessage(shared.MessageTypeSeatLocked, event)
	case shared.EventReleased:
		c.sendMessage(shared.MessageTypeSeatReleased, event)
	case shared.EventBooked:
		c.sendMessage(shared.MessageTypeSeatBooked, event)
	}
}

func (c *Client) currentSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// readPump pumps messages from the websocket connection to the session
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var clientMsg shared.ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Debug("invalid message", "error", err)
			c.sendErrorMessage("invalid message format")
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// sendMessage queues a message without blocking. A client that cannot keep
// up is disconnected.
func (c *Client) sendMessage(msgType string, data any) {
	jsonData, err := json.Marshal(shared.ServerMessage{Type: msgType, Data: data})
	if err != nil {
		c.logger.Error("failed to marshal message", "type", msgType, "error", err)
		return
	}

	select {
	case <-c.done:
	case c.send <- jsonData:
	default:
		c.logger.Warn("send buffer full, disconnecting", "type", msgType)
		go func() {
			c.hub.unregister(c)
			c.close()
		}()
	}
}

// close cleanly shuts down the client connection
func (c *Client) close() {
	c.conn.Close()
}
