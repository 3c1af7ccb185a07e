package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Per-client outbound buffer before the client is evicted
	sendBufferSize = 64
)

var pongFrame = []byte(`{"type":"pong"}`)

// controlMessage is the inbound client protocol: ping and subscribe.
type controlMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

// Client is one WebSocket connection. The symbol field is guarded by the
// manager's mutex.
type Client struct {
	id      uuid.UUID
	manager *Manager
	conn    *websocket.Conn
	send    chan []byte
	symbol  string
}

// ID returns the client identifier.
func (c *Client) ID() uuid.UUID { return c.id }

// readPump consumes inbound control messages until the connection drops,
// then unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.manager.Disconnect(c.id)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.id.String()).Msg("WebSocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump drains the send channel to the connection and keeps the peer
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The manager closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			// Coalesce whatever else is queued into this write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

func (c *Client) handleMessage(message []byte) {
	var msg controlMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Str("client_id", c.id.String()).Msg("Unparseable client message")
		return
	}

	switch msg.Type {
	case "ping":
		// Via the manager so the send cannot race a concurrent close.
		c.manager.SendToClient(c.id, pongFrame)
	case "subscribe":
		c.manager.switchSymbol(c, msg.Symbol)
	default:
		log.Debug().
			Str("type", msg.Type).
			Str("client_id", c.id.String()).
			Msg("Ignoring client message")
	}
}
